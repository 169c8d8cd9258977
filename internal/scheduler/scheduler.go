// Package scheduler runs the daily maintenance: download directory cleanup,
// history pruning and statistics collection.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/db"
	"github.com/energizer-project/courier/internal/events"
)

// History is the part of the transfer history the scheduler maintains.
type History interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Stats(ctx context.Context) (db.TransferStats, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	history  History
}

// NewScheduler creates a new task scheduler. history may be nil.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, history History) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		history:  history,
	}
}

// Start begins running all scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.cfg.GetApplicationData().Cleaner.Enabled {
		go s.runCleanerLoop(ctx)
	}

	go s.runStatsCollectionLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runCleanerLoop runs the cleaner daily at the configured time.
func (s *Scheduler) runCleanerLoop(ctx context.Context) {
	for {
		nextRun := nextCleanupTime(s.cfg.GetApplicationData().Cleaner.CleanupTime, time.Now())
		sleepDuration := time.Until(nextRun)

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("cleaner scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunCleaner(ctx, time.Now())
		}
	}
}

// RunCleaner removes downloads older than retention_days and prunes history
// older than history_retention_days. A zero retention keeps everything.
func (s *Scheduler) RunCleaner(ctx context.Context, now time.Time) {
	cleanerCfg := s.cfg.GetApplicationData().Cleaner
	dir := s.cfg.GetTransferData().DownloadDirectory

	if cleanerCfg.RetentionDays > 0 && dir != "" {
		cutoff := now.Add(-time.Duration(cleanerCfg.RetentionDays) * 24 * time.Hour)
		count, size := cleanDirectory(dir, cutoff)
		log.Info().
			Str("directory", dir).
			Int("deleted_files", count).
			Str("freed_space", formatBytes(size)).
			Msg("download cleaner completed")
	}

	if s.history != nil && cleanerCfg.HistoryRetentionDays > 0 {
		cutoff := now.Add(-time.Duration(cleanerCfg.HistoryRetentionDays) * 24 * time.Hour)
		n, err := s.history.Prune(ctx, cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("history prune failed")
		} else {
			log.Info().Int64("deleted_records", n).Msg("history pruned")
		}
	}
}

// cleanDirectory deletes regular files last modified before cutoff, then
// removes directories the deletion left empty. dir itself is kept.
func cleanDirectory(dir string, cutoff time.Time) (int, int64) {
	var (
		deletedCount int
		deletedSize  int64
		dirs         []string
	)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			deletedCount++
			deletedSize += info.Size()
			log.Debug().Str("file", path).Msg("deleted old download")
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("download cleaner encountered errors")
	}

	// Deepest first so parents empty out after their children.
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i])
	}

	return deletedCount, deletedSize
}

func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CollectStats(ctx)
		}
	}
}

// CollectStats logs the history totals and publishes them on the status
// topic.
func (s *Scheduler) CollectStats(ctx context.Context) {
	if s.history == nil {
		return
	}
	stats, err := s.history.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("daily stats collection failed")
		return
	}

	log.Info().
		Int64("transfers", stats.Total).
		Str("volume", formatBytes(stats.TotalBytes)).
		Interface("by_result", stats.ByResult).
		Msg("daily stats collected")

	s.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyMQTT,
		Source: "scheduler",
		Payload: events.MQTTPayload{
			Topic: "courier/status",
			Data: map[string]interface{}{
				"type":        "daily_stats",
				"transfers":   stats.Total,
				"total_bytes": stats.TotalBytes,
				"by_result":   stats.ByResult,
			},
		},
	})
}

// nextCleanupTime returns the next occurrence of "HH:MM" after now,
// defaulting to 04:00.
func nextCleanupTime(cleanupTime string, now time.Time) time.Time {
	hour, minute := 4, 0
	parts := strings.Split(cleanupTime, ":")
	if len(parts) >= 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
