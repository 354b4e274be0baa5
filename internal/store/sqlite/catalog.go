package sqlite

import (
	"database/sql"
	"fmt"

	"mdpipeline/internal/model"
)

// UpsertInstruments writes catalog entries in one transaction.
func (s *Store) UpsertInstruments(instruments []model.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO instruments (symbol, exchange, name, priority, watch_tier, active)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, in := range instruments {
		active := 0
		if in.Active {
			active = 1
		}
		if _, err := stmt.Exec(in.Symbol, in.Exchange, in.Name, in.Priority, in.WatchTier.String(), active); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Instruments loads the catalog, optionally restricted to active rows.
// Rows come back most important first (priority 1 ahead of 2) so
// subscription order follows importance.
func (s *Store) Instruments(activeOnly bool) ([]model.Instrument, error) {
	query := `SELECT symbol, exchange, name, priority, watch_tier, active FROM instruments`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY priority ASC, symbol ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("sqlite query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var in model.Instrument
		var name sql.NullString
		var tier string
		var active int
		if err := rows.Scan(&in.Symbol, &in.Exchange, &name, &in.Priority, &tier, &active); err != nil {
			return nil, fmt.Errorf("sqlite scan instrument: %w", err)
		}
		in.Name = name.String
		in.WatchTier = model.ParseTier(tier)
		in.Active = active != 0
		out = append(out, in)
	}
	return out, rows.Err()
}

// SetInstrumentActive flips the active flag; reports whether the row existed.
func (s *Store) SetInstrumentActive(exchange, symbol string, active bool) (bool, error) {
	v := 0
	if active {
		v = 1
	}
	res, err := s.db.Exec(`UPDATE instruments SET active = ? WHERE exchange = ? AND symbol = ?`, v, exchange, symbol)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
