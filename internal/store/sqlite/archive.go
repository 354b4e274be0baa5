package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

// RunArchiver reads ticks from tickCh and inserts them in batched
// transactions. Flushes every defaultBatchSize ticks OR every
// defaultFlushDelay, whichever comes first. Blocks until ctx is
// cancelled or tickCh is closed.
func (s *Store) RunArchiver(ctx context.Context, tickCh <-chan model.Tick) {
	batch := make([]model.Tick, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.insertBatch(batch); err != nil {
			s.log.Error("batch insert", zap.Error(err))
		} else {
			s.log.Debug("committed ticks",
				zap.Int("count", len(batch)), zap.Duration("took", time.Since(start)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case t, ok := <-tickCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, t)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (s *Store) insertBatch(ticks []model.Tick) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO ticks (symbol, exchange, price, volume, ts, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.Exec(t.Symbol, t.Exchange, t.Price, t.Volume, t.TS.UnixNano(), t.Source); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// TicksSince reads archived ticks for one symbol after a cutoff,
// ordered by timestamp ascending.
func (s *Store) TicksSince(symbol string, after time.Time) ([]model.Tick, error) {
	rows, err := s.db.Query(`
		SELECT symbol, exchange, price, volume, ts, source
		FROM ticks WHERE symbol = ? AND ts > ?
		ORDER BY ts ASC
	`, symbol, after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var out []model.Tick
	for rows.Next() {
		var t model.Tick
		var tsNano int64
		if err := rows.Scan(&t.Symbol, &t.Exchange, &t.Price, &t.Volume, &tsNano, &t.Source); err != nil {
			return nil, fmt.Errorf("sqlite scan tick: %w", err)
		}
		t.TS = time.Unix(0, tsNano).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// LastArchivedAt returns the newest archived tick time for a symbol,
// zero time when nothing is stored.
func (s *Store) LastArchivedAt(symbol string) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(ts) FROM ticks WHERE symbol = ?`, symbol).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ts.Int64).UTC(), nil
}
