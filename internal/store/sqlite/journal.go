package sqlite

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

const journalKeep = 1000

// InsertAlert journals one alert. Satisfies the alerting SinkFunc shape.
func (s *Store) InsertAlert(ctx context.Context, a model.Alert) error {
	resolved := 0
	if a.Resolved {
		resolved = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (id, type, severity, message, ts, resolved)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.Type, a.Severity.String(), a.Message, a.TS.UnixNano(), resolved)
	if err != nil {
		return fmt.Errorf("sqlite insert alert: %w", err)
	}

	// Prune old journal rows, keep the most recent.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE id NOT IN
		(SELECT id FROM alerts ORDER BY ts DESC LIMIT ?)
	`, journalKeep)
	if err != nil {
		s.log.Warn("prune alerts", zap.Error(err))
	}
	return nil
}

// RecentAlerts returns the newest journal entries, newest first.
func (s *Store) RecentAlerts(limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, type, severity, message, ts, resolved
		FROM alerts ORDER BY ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var severity string
		var tsNano int64
		var resolved int
		if err := rows.Scan(&a.ID, &a.Type, &severity, &a.Message, &tsNano, &resolved); err != nil {
			return nil, fmt.Errorf("sqlite scan alert: %w", err)
		}
		a.Severity = parseSeverity(severity)
		a.TS = time.Unix(0, tsNano).UTC()
		a.Resolved = resolved != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkResolved flags a journaled alert; reports whether the row existed.
func (s *Store) MarkResolved(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE alerts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func parseSeverity(s string) model.Severity {
	switch s {
	case "medium":
		return model.SeverityMedium
	case "high":
		return model.SeverityHigh
	case "critical":
		return model.SeverityCritical
	default:
		return model.SeverityLow
	}
}
