// Package fetch owns in-flight transfers and drives them from a single poll
// loop: each tick advances every active Request once, enforces timeouts and
// releases Requests that finished.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/transfer"
	"github.com/energizer-project/courier/internal/transport"
)

// maxFinished is how many finished jobs are kept for inspection.
const maxFinished = 256

var (
	// ErrBusy is returned by Submit when max_concurrent jobs are active.
	ErrBusy = errors.New("too many active transfers")
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("transfer not found")
	// ErrFinished is returned by Cancel for a job that already finished.
	ErrFinished = errors.New("transfer already finished")
	// ErrTimeout is the failure recorded for a job that ran out of time.
	ErrTimeout = errors.New("transfer timed out")
	// ErrRunning is returned by Result for a job that has not finished.
	ErrRunning = errors.New("transfer still running")
)

// JobSpec describes a transfer to start.
type JobSpec struct {
	URL     string
	Method  string
	Body    []byte
	Headers []transfer.Header
	// SaveAs is a file name relative to the download directory. When empty
	// the body is kept in memory.
	SaveAs string
	// Credentials override the configured FTP login.
	Credentials transfer.Credentials
	// Source names who submitted the job (console, webadmin, patcher).
	Source string
	// OnComplete runs on the poll goroutine after a successful transfer.
	OnComplete func(info JobInfo, body []byte)
	// OnFailure runs on the poll goroutine after a failed, timed out or
	// cancelled transfer.
	OnFailure func(info JobInfo, err error)
}

// JobInfo is a snapshot of a job.
type JobInfo struct {
	ID         uint64          `json:"id"`
	URL        string          `json:"url"`
	Protocol   string          `json:"protocol"`
	Method     string          `json:"method"`
	Source     string          `json:"source,omitempty"`
	State      events.JobState `json:"state"`
	Stage      string          `json:"stage,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	StatusText string          `json:"status_text,omitempty"`
	Bytes      int64           `json:"bytes"`
	Expected   int64           `json:"expected"`
	Redirects  int             `json:"redirects"`
	SavedTo    string          `json:"saved_to,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Duration returns how long the job ran, or has been running as of now.
func (i JobInfo) Duration(now time.Time) time.Duration {
	if !i.FinishedAt.IsZero() {
		return i.FinishedAt.Sub(i.CreatedAt)
	}
	return now.Sub(i.CreatedAt)
}

type job struct {
	info JobInfo
	spec JobSpec
	req  *transfer.Request
	body []byte

	// advancing is set while Tick runs req.Advance without holding the
	// manager lock. A Cancel arriving then sets cancelled and Tick finishes
	// the job once Advance returns.
	advancing bool
	cancelled bool
}

// outcome is a job that left the active set during a tick.
type outcome struct {
	job   *job
	req   *transfer.Request
	state events.JobState
	err   error
}

// Manager runs fetch jobs.
type Manager struct {
	mu sync.Mutex

	cfg *config.Config
	bus *events.EventBus
	tr  transport.Transport

	jobs     map[uint64]*job
	finished []uint64
	nextID   uint64
	// reserved counts Submit calls past the concurrency check that have not
	// inserted their job yet.
	reserved int

	ctx context.Context
}

// NewManager creates a manager that opens connections through tr.
func NewManager(cfg *config.Config, bus *events.EventBus, tr transport.Transport) *Manager {
	return &Manager{
		cfg:  cfg,
		bus:  bus,
		tr:   tr,
		jobs: make(map[uint64]*job),
		ctx:  context.Background(),
	}
}

// limitsFrom converts configuration into engine limits.
func limitsFrom(td config.TransferData) transfer.Limits {
	redirects := td.MaxRedirects
	if redirects == 0 {
		redirects = transfer.NoRedirects
	}
	return transfer.Limits{
		UserAgent:         td.UserAgent,
		InitialBufferSize: td.InitialBufferSize,
		MaxHeaderBytes:    td.MaxHeaderBytes,
		MaxResponseBytes:  td.MaxResponseBytes,
		MaxRedirects:      redirects,
	}
}

// Submit creates the Request for spec and queues it. Connection setup
// happens here, so an unreachable host fails synchronously.
func (m *Manager) Submit(spec JobSpec) (uint64, error) {
	td := m.cfg.GetTransferData()

	target, err := transfer.ParseTarget(spec.URL)
	if err != nil {
		return 0, err
	}
	var savePath string
	if spec.SaveAs != "" {
		if savePath, err = SafeJoin(td.DownloadDirectory, spec.SaveAs); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	if m.activeLocked()+m.reserved >= td.MaxConcurrent {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w (%d)", ErrBusy, td.MaxConcurrent)
	}
	m.reserved++
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	limits := limitsFrom(td)
	var req *transfer.Request
	switch target.Scheme {
	case transfer.SchemeFTP:
		creds := spec.Credentials
		if creds.IsZero() {
			creds = transfer.Credentials{User: td.FTPUser, Password: td.FTPPassword}
		}
		req, err = transfer.NewFTP(m.tr, spec.URL, creds, limits)
		if err == nil && spec.Method != "" && !strings.EqualFold(spec.Method, "RETR") {
			if err = req.Build(spec.Method, nil); err != nil {
				req.Release()
			}
		}
	default:
		req, err = transfer.NewHTTP(m.tr, spec.URL, spec.Method, spec.Body, spec.Headers, limits)
	}
	if err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		log.Warn().Err(err).Str("url", target.String()).Str("source", spec.Source).Msg("transfer creation failed")
		return 0, err
	}

	j := &job{
		spec: spec,
		req:  req,
		info: JobInfo{
			ID:        id,
			URL:       target.String(),
			Protocol:  req.Protocol().String(),
			Method:    req.Method(),
			Source:    spec.Source,
			State:     events.JobStateQueued,
			Expected:  -1,
			SavedTo:   savePath,
			CreatedAt: req.StartTime(),
		},
	}

	m.mu.Lock()
	m.reserved--
	m.jobs[id] = j
	info := j.info
	m.mu.Unlock()

	log.Info().
		Uint64("id", id).
		Str("url", info.URL).
		Str("method", info.Method).
		Str("source", spec.Source).
		Msg("transfer queued")
	m.emit(events.EventTransferQueued, info, nil)
	return id, nil
}

// Tick advances every active job once. Jobs that finish are released.
// Advance runs without the manager lock: following a redirect may block on
// name resolution.
func (m *Manager) Tick(now time.Time) {
	td := m.cfg.GetTransferData()
	requestTimeout := time.Duration(td.RequestTimeoutSec) * time.Second
	transferTimeout := time.Duration(td.TransferTimeoutSec) * time.Second

	var done []outcome
	var redirected []JobInfo

	m.mu.Lock()
	ids := m.activeIDsLocked()
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		j := m.jobs[id]
		if j == nil || j.req == nil || j.advancing {
			m.mu.Unlock()
			continue
		}
		req := j.req
		j.advancing = true
		m.mu.Unlock()

		before := req.Redirects()
		complete, err := req.Advance()

		m.mu.Lock()
		j.advancing = false
		m.refreshLocked(j)
		if req.Redirects() != before {
			redirected = append(redirected, j.info)
		}

		var o *outcome
		switch {
		case j.cancelled:
			o = &outcome{state: events.JobStateCancelled, err: errors.New("cancelled")}
		case err != nil:
			o = &outcome{state: events.JobStateFailed, err: err}
		case complete:
			o = &outcome{state: events.JobStateCompleted}
		case req.TransferActive() && transferTimeout > 0 && req.TransferElapsed(now) > transferTimeout:
			o = &outcome{state: events.JobStateTimedOut, err: fmt.Errorf("%w: no completion %s after the body started", ErrTimeout, transferTimeout)}
		case !req.TransferActive() && requestTimeout > 0 && req.Elapsed(now) > requestTimeout:
			o = &outcome{state: events.JobStateTimedOut, err: fmt.Errorf("%w: no response within %s", ErrTimeout, requestTimeout)}
		default:
			j.info.State = events.JobStateRunning
			m.mu.Unlock()
			continue
		}
		o.job, o.req = j, req
		j.req = nil
		done = append(done, *o)
		m.mu.Unlock()
	}

	for _, info := range redirected {
		m.emit(events.EventTransferRedirected, info, nil)
	}
	for _, o := range done {
		m.finish(o, now)
	}
}

// finish stores the result of a job that left the active set and releases
// its Request.
func (m *Manager) finish(o outcome, now time.Time) {
	j, req := o.job, o.req
	state, err := o.state, o.err

	var body []byte
	if state == events.JobStateCompleted {
		if req.Protocol() == transfer.ProtocolHTTP && (req.StatusCode() < 200 || req.StatusCode() > 299) {
			state = events.JobStateFailed
			err = fmt.Errorf("unexpected status %d %s", req.StatusCode(), req.StatusText())
		}
	}
	if state == events.JobStateCompleted || req.Protocol() == transfer.ProtocolHTTP {
		body = req.Body()
		if body != nil {
			body = append([]byte(nil), body...)
		}
	}
	if state == events.JobStateCompleted && j.info.SavedTo != "" {
		if werr := writeFile(j.info.SavedTo, body); werr != nil {
			state, err = events.JobStateFailed, werr
		} else {
			body = nil
		}
	}
	req.Release()

	m.mu.Lock()
	j.info.State = state
	j.info.FinishedAt = now
	if err != nil {
		j.info.Error = err.Error()
	}
	if state != events.JobStateCompleted {
		j.info.SavedTo = ""
	}
	j.body = body
	info := j.info
	m.retireLocked(j.info.ID)
	m.mu.Unlock()

	m.report(info, body, err)
}

func (m *Manager) report(info JobInfo, body []byte, err error) {
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Uint64("id", info.ID).
		Str("url", info.URL).
		Str("state", info.State.String()).
		Int("status", info.StatusCode).
		Int64("bytes", info.Bytes).
		Int("redirects", info.Redirects).
		Msg("transfer finished")

	switch info.State {
	case events.JobStateCompleted:
		m.emit(events.EventTransferCompleted, info, nil)
	case events.JobStateTimedOut:
		m.emit(events.EventTransferTimedOut, info, err)
	case events.JobStateCancelled:
		m.emit(events.EventTransferCancelled, info, err)
	default:
		m.emit(events.EventTransferFailed, info, err)
	}

	m.mu.Lock()
	j := m.jobs[info.ID]
	m.mu.Unlock()
	if j == nil {
		return
	}
	if info.State == events.JobStateCompleted {
		if j.spec.OnComplete != nil {
			j.spec.OnComplete(info, body)
		}
	} else if j.spec.OnFailure != nil {
		j.spec.OnFailure(info, err)
	}
}

// Cancel stops an active job and releases its Request. A job being advanced
// by a concurrent Tick is finished as cancelled by that Tick.
func (m *Manager) Cancel(id uint64) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if j.req == nil || j.cancelled {
		m.mu.Unlock()
		return ErrFinished
	}
	if j.advancing {
		j.cancelled = true
		m.mu.Unlock()
		return nil
	}
	req := j.req
	j.req = nil
	m.mu.Unlock()

	m.finish(outcome{job: j, req: req, state: events.JobStateCancelled, err: errors.New("cancelled")}, time.Now())
	return nil
}

// CancelAll cancels every active job.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	ids := m.activeIDsLocked()
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.Cancel(id) == nil {
			n++
		}
	}
	return n
}

// Run ticks every poll_interval_ms until ctx is done, then cancels what is
// still active.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	interval := time.Duration(m.cfg.GetTransferData().PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("fetch loop started")
	for {
		select {
		case <-ctx.Done():
			if n := m.CancelAll(); n > 0 {
				log.Info().Int("cancelled", n).Msg("fetch loop stopped with active transfers")
			}
			return nil
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

// Get returns a snapshot of job id.
func (m *Manager) Get(id uint64) (JobInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return j.info, true
}

// Body returns the retained body of a finished in-memory job.
func (m *Manager) Body(id uint64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.info.State.Finished() || j.body == nil {
		return nil, false
	}
	return j.body, true
}

// Result returns the snapshot and retained body of a finished job. The body
// is nil for jobs saved to disk.
func (m *Manager) Result(id uint64) (JobInfo, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return JobInfo{}, nil, ErrNotFound
	}
	if !j.info.State.Finished() {
		return j.info, nil, ErrRunning
	}
	return j.info, j.body, nil
}

// List returns snapshots of all known jobs ordered by ID.
func (m *Manager) List() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobInfo, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ActiveCount returns the number of jobs still being advanced.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// Capacity returns the configured concurrency limit.
func (m *Manager) Capacity() int {
	return m.cfg.GetTransferData().MaxConcurrent
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, j := range m.jobs {
		if j.req != nil {
			n++
		}
	}
	return n
}

func (m *Manager) activeIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(m.jobs))
	for id, j := range m.jobs {
		if j.req != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

func (m *Manager) refreshLocked(j *job) {
	req := j.req
	j.info.URL = req.URL()
	j.info.StatusCode = req.StatusCode()
	j.info.StatusText = req.StatusText()
	j.info.Bytes = req.TotalReceived()
	j.info.Expected = req.FinalLength()
	j.info.Redirects = req.Redirects()
	if req.Protocol() == transfer.ProtocolFTP {
		j.info.Stage = req.Stage().String()
	}
	if req.Protocol() == transfer.ProtocolHTTP && req.FinalLength() >= 0 {
		j.info.Bytes = req.TotalReceived() - int64(req.HeaderLength())
		j.info.Expected = req.FinalLength() - int64(req.HeaderLength())
	}
}

// retireLocked records a finished job and evicts the oldest finished jobs
// beyond maxFinished.
func (m *Manager) retireLocked(id uint64) {
	m.finished = append(m.finished, id)
	for len(m.finished) > maxFinished {
		delete(m.jobs, m.finished[0])
		m.finished = m.finished[1:]
	}
}

func (m *Manager) emit(t events.EventType, info JobInfo, err error) {
	if m.bus == nil {
		return
	}
	payload := events.TransferPayload{
		ID:         info.ID,
		URL:        info.URL,
		Protocol:   info.Protocol,
		Method:     info.Method,
		Source:     info.Source,
		State:      info.State,
		StatusCode: info.StatusCode,
		Bytes:      info.Bytes,
		Redirects:  info.Redirects,
		Duration:   info.Duration(time.Now()),
		SavedTo:    info.SavedTo,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if t == events.EventTransferRedirected {
		payload.RedirectURL = info.URL
	}

	// Handlers record history, which must survive the loop being cancelled.
	m.mu.Lock()
	ctx := context.WithoutCancel(m.ctx)
	m.mu.Unlock()
	m.bus.Emit(ctx, events.Event{Type: t, Source: "fetch", Payload: payload})
}

// SafeJoin joins name onto dir, rejecting names that escape dir.
func SafeJoin(dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("no download directory configured")
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(dir, clean), nil
}

// writeFile writes data through a temporary file so partial downloads are
// never visible under the final name.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
