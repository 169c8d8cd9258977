// Package health runs the periodic checks: patch polling, download disk
// utilization, transfer backlog and the MQTT heartbeat.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/util"
)

// Manager runs periodic health checks.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	fetch    *fetch.Manager

	diskUsage func(path string) (*util.DiskUsage, error)

	mu            sync.Mutex
	lastDiskLevel string
	backlogged    bool
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, mgr *fetch.Manager) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		fetch:     mgr,
		diskUsage: util.GetDiskUsage,
	}
}

// Start runs every check with a positive interval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"patch_check", timers.PatchCheckInterval, m.checkPatch},
		{"disk_utilization", timers.DiskCheckInterval, m.checkDiskUtilization},
		{"transfer_backlog", timers.BacklogCheckInterval, m.checkBacklog},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}
		started++

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("health check manager stopped")
}

// checkPatch asks the patcher for a manifest check.
func (m *Manager) checkPatch(ctx context.Context) {
	if !m.cfg.GetApplicationData().Patch.Enabled {
		return
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventPatchCheck,
		Source: "health_check",
	})
}

// diskLevel maps a usage percentage to an alert level, "" below 80%.
func diskLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 100:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	case usedPercent >= 80:
		return "info"
	}
	return ""
}

// checkDiskUtilization watches the disk holding the download directory.
// An alert is raised each time the level changes upward.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := m.cfg.GetTransferData().DownloadDirectory
	if path == "" {
		path = "."
	}

	usage, err := m.diskUsage(path)
	if err != nil {
		log.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_bytes", usage.FreeBytes).
		Msg("disk utilization")

	level := diskLevel(usage.UsedPercent)

	m.mu.Lock()
	previous := m.lastDiskLevel
	m.lastDiskLevel = level
	m.mu.Unlock()

	if level == "" || levelRank(level) <= levelRank(previous) {
		return
	}

	const gb = 1 << 30
	message := fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total) for %s",
		usage.UsedPercent, usage.FreeBytes/gb, usage.TotalBytes/gb, path)

	log.Warn().Str("level", level).Msg(message)

	if m.cfg.GetApplicationData().Notify.NotifyOnDisk {
		m.eventBus.Emit(ctx, events.Event{
			Type:   events.EventNotifyAdmin,
			Source: "health_check",
			Payload: events.NotifyAdminPayload{
				Title:   "Disk Space Alert",
				Message: message,
				Level:   level,
			},
		})
	}
}

func levelRank(level string) int {
	switch level {
	case "info":
		return 1
	case "warning":
		return 2
	case "error":
		return 3
	case "critical":
		return 4
	}
	return 0
}

// checkBacklog warns when every transfer slot is taken and again once
// capacity frees up.
func (m *Manager) checkBacklog(ctx context.Context) {
	active, capacity := m.fetch.ActiveCount(), m.fetch.Capacity()
	full := active >= capacity

	m.mu.Lock()
	changed := full != m.backlogged
	m.backlogged = full
	m.mu.Unlock()

	if !changed {
		return
	}
	if full {
		log.Warn().Int("active", active).Int("capacity", capacity).Msg("transfer capacity exhausted")
	} else {
		log.Info().Int("active", active).Int("capacity", capacity).Msg("transfer capacity available again")
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyMQTT,
		Source: "health_check",
		Payload: events.MQTTPayload{
			Topic: "courier/status",
			Data: map[string]interface{}{
				"type":     "backlog",
				"full":     full,
				"active":   active,
				"capacity": capacity,
			},
		},
	})
}

// heartbeat publishes a status message through MQTT.
func (m *Manager) heartbeat(ctx context.Context) {
	localIP, _ := util.GetLocalIP()
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyMQTT,
		Source: "heartbeat",
		Payload: events.MQTTPayload{
			Topic: "courier/status",
			Data: map[string]interface{}{
				"type":      "heartbeat",
				"active":    m.fetch.ActiveCount(),
				"capacity":  m.fetch.Capacity(),
				"local_ip":  localIP,
				"timestamp": time.Now().Unix(),
			},
		},
	})
}
