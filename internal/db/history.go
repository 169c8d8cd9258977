package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/events"
)

// TransferRecord is one finished transfer in the ledger.
type TransferRecord struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	Protocol   string    `json:"protocol"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	Bytes      int64     `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	Redirects  int       `json:"redirects"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransferStats summarizes the ledger.
type TransferStats struct {
	Total      int64            `json:"total"`
	TotalBytes int64            `json:"total_bytes"`
	ByResult   map[string]int64 `json:"by_result"`
}

// History records finished transfers.
type History struct {
	db *Database
}

// NewHistory opens the database at dbPath and migrates the ledger schema.
func NewHistory(dbPath string) (*History, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	h := &History{db: database}
	if err := h.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return h, nil
}

func (h *History) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			protocol TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			redirects INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);
		CREATE INDEX IF NOT EXISTS idx_transfers_result ON transfers(result);
	`

	if _, err := h.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("history schema migrated")
	return nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

// Record inserts rec. A zero CreatedAt is set to now.
func (h *History) Record(ctx context.Context, rec TransferRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := h.db.Exec(ctx, `
		INSERT INTO transfers (url, protocol, method, status_code, bytes, duration_ms, redirects, result, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.URL, rec.Protocol, rec.Method, rec.StatusCode, rec.Bytes,
		rec.DurationMS, rec.Redirects, rec.Result, rec.Error, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record transfer: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(ctx, `
		SELECT id, url, protocol, method, status_code, bytes, duration_ms, redirects, result, error, created_at
		FROM transfers ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var created int64
		if err := rows.Scan(&rec.ID, &rec.URL, &rec.Protocol, &rec.Method, &rec.StatusCode,
			&rec.Bytes, &rec.DurationMS, &rec.Redirects, &rec.Result, &rec.Error, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats counts records by result and sums bytes.
func (h *History) Stats(ctx context.Context) (TransferStats, error) {
	stats := TransferStats{ByResult: make(map[string]int64)}

	rows, err := h.db.Query(ctx, `SELECT result, COUNT(*), COALESCE(SUM(bytes), 0) FROM transfers GROUP BY result`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		var count, bytes int64
		if err := rows.Scan(&result, &count, &bytes); err != nil {
			return stats, err
		}
		stats.ByResult[result] = count
		stats.Total += count
		stats.TotalBytes += bytes
	}
	return stats, rows.Err()
}

// Prune deletes records created before olderThan and returns how many went.
func (h *History) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := h.db.Exec(ctx, "DELETE FROM transfers WHERE created_at < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Subscribe records every finished transfer announced on bus.
func (h *History) Subscribe(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventTransferCompleted,
		events.EventTransferFailed,
		events.EventTransferTimedOut,
		events.EventTransferCancelled,
	} {
		bus.Subscribe(t, "history", h.onTransferFinished)
	}
}

func (h *History) onTransferFinished(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.TransferPayload)
	if !ok {
		return nil
	}
	_, err := h.Record(ctx, RecordFromPayload(p))
	return err
}

// RecordFromPayload converts a transfer event payload into a ledger row.
func RecordFromPayload(p events.TransferPayload) TransferRecord {
	return TransferRecord{
		URL:        p.URL,
		Protocol:   p.Protocol,
		Method:     p.Method,
		StatusCode: p.StatusCode,
		Bytes:      p.Bytes,
		DurationMS: p.Duration.Milliseconds(),
		Redirects:  p.Redirects,
		Result:     p.State.String(),
		Error:      p.Error,
	}
}
