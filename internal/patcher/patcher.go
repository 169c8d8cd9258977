// Package patcher asks the patch server for the latest version and fetches
// the files it lists. Both the manifest request and the downloads run as
// ordinary fetch jobs.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/protocol"
	"github.com/energizer-project/courier/internal/transfer"
)

// ErrDisabled is returned by Check when patching is turned off.
var ErrDisabled = errors.New("patching is disabled")

// Manifest is the patch server's answer.
type Manifest struct {
	LatestVersion string
	Files         []events.PatchFile
}

// ParseManifest decodes a PHP-serialized manifest.
func ParseManifest(body []byte) (Manifest, error) {
	v, err := protocol.Unmarshal(body)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return Manifest{}, fmt.Errorf("unexpected manifest format %T", v)
	}

	var manifest Manifest
	if manifest.LatestVersion, ok = protocol.String(m, "latest_version"); !ok || manifest.LatestVersion == "" {
		return Manifest{}, fmt.Errorf("manifest has no latest_version")
	}

	if raw, present := m["files"]; present {
		files, ok := protocol.List(raw)
		if !ok {
			return Manifest{}, fmt.Errorf("manifest files is not a list")
		}
		for i, f := range files {
			entry, ok := f.(map[string]interface{})
			if !ok {
				return Manifest{}, fmt.Errorf("manifest file %d is not an array", i)
			}
			p, _ := protocol.String(entry, "path")
			u, _ := protocol.String(entry, "url")
			if p == "" || u == "" {
				return Manifest{}, fmt.Errorf("manifest file %d needs path and url", i)
			}
			manifest.Files = append(manifest.Files, events.PatchFile{Path: p, URL: u})
		}
	}
	return manifest, nil
}

// Status describes the last patch check.
type Status struct {
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version,omitempty"`
	Available      bool      `json:"available"`
	Checking       bool      `json:"checking"`
	LastCheck      time.Time `json:"last_check,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Patcher runs manifest checks through the fetch manager.
type Patcher struct {
	mu sync.RWMutex

	cfg   *config.Config
	bus   *events.EventBus
	fetch *fetch.Manager

	checking  bool
	latest    string
	lastCheck time.Time
	lastErr   string
}

// New creates a patcher.
func New(cfg *config.Config, bus *events.EventBus, mgr *fetch.Manager) *Patcher {
	return &Patcher{cfg: cfg, bus: bus, fetch: mgr}
}

// Subscribe runs a check whenever a patch check is requested on the bus.
func (p *Patcher) Subscribe() {
	p.bus.Subscribe(events.EventPatchCheck, "patcher", func(ctx context.Context, e events.Event) error {
		err := p.Check(ctx)
		if errors.Is(err, ErrDisabled) {
			return nil
		}
		return err
	})
}

// Check submits the manifest request. The result arrives asynchronously
// when the fetch loop completes the job. A check already in flight is not
// duplicated.
func (p *Patcher) Check(ctx context.Context) error {
	patch := p.cfg.GetApplicationData().Patch
	if !patch.Enabled || patch.ManifestURL == "" {
		return ErrDisabled
	}

	p.mu.Lock()
	if p.checking {
		p.mu.Unlock()
		return nil
	}
	p.checking = true
	p.mu.Unlock()

	osName, arch := patch.OS, patch.Arch
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	body, err := protocol.Marshal(map[string]interface{}{
		"version": patch.CurrentVersion,
		"os":      osName,
		"arch":    arch,
	})
	if err != nil {
		p.fail(err)
		return fmt.Errorf("failed to serialize patch request: %w", err)
	}

	_, err = p.fetch.Submit(fetch.JobSpec{
		URL:    patch.ManifestURL,
		Method: "POST",
		Body:   body,
		Headers: []transfer.Header{
			{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
		},
		Source: "patcher",
		OnComplete: func(info fetch.JobInfo, body []byte) {
			p.onManifest(context.WithoutCancel(ctx), body)
		},
		OnFailure: func(info fetch.JobInfo, err error) {
			p.fail(err)
		},
	})
	if err != nil {
		p.fail(err)
		return fmt.Errorf("patch check request failed: %w", err)
	}

	log.Debug().Str("url", patch.ManifestURL).Msg("patch check submitted")
	return nil
}

func (p *Patcher) fail(err error) {
	p.mu.Lock()
	p.checking = false
	p.lastCheck = time.Now()
	p.lastErr = err.Error()
	p.mu.Unlock()
	log.Warn().Err(err).Msg("patch check failed")
}

func (p *Patcher) onManifest(ctx context.Context, body []byte) {
	manifest, err := ParseManifest(body)
	if err != nil {
		p.fail(err)
		return
	}

	patch := p.cfg.GetApplicationData().Patch
	p.mu.Lock()
	p.checking = false
	p.lastCheck = time.Now()
	p.lastErr = ""
	p.latest = manifest.LatestVersion
	p.mu.Unlock()

	if manifest.LatestVersion == patch.CurrentVersion {
		log.Debug().Str("version", patch.CurrentVersion).Msg("no patch available")
		return
	}

	log.Info().
		Str("current", patch.CurrentVersion).
		Str("latest", manifest.LatestVersion).
		Int("files", len(manifest.Files)).
		Msg("patch available")

	p.bus.Emit(ctx, events.Event{
		Type:   events.EventPatchAvailable,
		Source: "patcher",
		Payload: events.PatchAvailablePayload{
			CurrentVersion: patch.CurrentVersion,
			LatestVersion:  manifest.LatestVersion,
			Files:          manifest.Files,
		},
	})
	if p.cfg.GetApplicationData().Notify.NotifyOnPatch {
		p.bus.Emit(ctx, events.Event{
			Type:   events.EventNotifyAdmin,
			Source: "patcher",
			Payload: events.NotifyAdminPayload{
				Title:   "Patch available",
				Message: fmt.Sprintf("Version %s is available (installed: %s)", manifest.LatestVersion, patch.CurrentVersion),
				Level:   "info",
			},
		})
	}

	if patch.AutoDownload {
		p.download(manifest)
	}
}

// download submits one job per manifest file, saved under
// patches/<version>/ in the download directory.
func (p *Patcher) download(manifest Manifest) {
	dir := path.Join("patches", manifest.LatestVersion)
	for _, f := range manifest.Files {
		saveAs := path.Join(dir, f.Path)
		if !strings.HasPrefix(saveAs, dir+"/") {
			log.Warn().Str("path", f.Path).Msg("patch file path escapes the patch directory")
			continue
		}
		id, err := p.fetch.Submit(fetch.JobSpec{
			URL:    f.URL,
			Method: "GET",
			SaveAs: saveAs,
			Source: "patcher",
		})
		if err != nil {
			log.Warn().Err(err).Str("url", f.URL).Str("path", f.Path).Msg("patch file download not started")
			continue
		}
		log.Info().Uint64("id", id).Str("path", saveAs).Msg("patch file download queued")
	}
}

// Status returns the result of the last check.
func (p *Patcher) Status() Status {
	current := p.cfg.GetApplicationData().Patch.CurrentVersion
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		CurrentVersion: current,
		LatestVersion:  p.latest,
		Available:      p.latest != "" && p.latest != current,
		Checking:       p.checking,
		LastCheck:      p.lastCheck,
		LastError:      p.lastErr,
	}
}
