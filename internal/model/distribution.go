package model

import "sort"

// SymbolDistribution is a partition of a symbol set into named pools. Pools
// are pairwise disjoint and their union equals the input set the partition
// was built from.
type SymbolDistribution struct {
	Pools map[string][]string `json:"pools"`
}

// PoolNames returns the pool names in lexical order.
func (d *SymbolDistribution) PoolNames() []string {
	names := make([]string, 0, len(d.Pools))
	for name := range d.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Symbols returns every symbol across all pools.
func (d *SymbolDistribution) Symbols() []string {
	var out []string
	for _, syms := range d.Pools {
		out = append(out, syms...)
	}
	return out
}

// PoolOf returns the pool name holding symbol, or "" if unassigned.
func (d *SymbolDistribution) PoolOf(symbol string) string {
	for name, syms := range d.Pools {
		for _, s := range syms {
			if s == symbol {
				return name
			}
		}
	}
	return ""
}

// Total returns the number of symbols across all pools.
func (d *SymbolDistribution) Total() int {
	n := 0
	for _, syms := range d.Pools {
		n += len(syms)
	}
	return n
}
