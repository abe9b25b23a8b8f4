package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"scan-console/internal/models"
	"scan-console/internal/notify"
	"scan-console/internal/store"
	"scan-console/internal/telemetry"
	"scan-console/internal/upstream"
)

// Upstream is the slice of the scan service the watcher needs: the
// lightweight status probe and the full list used to reload result
// payloads after terminal transitions.
type Upstream interface {
	ScanStatus(ctx context.Context, id string) (models.Status, error)
	ListScans(ctx context.Context, page, pageSize int) (upstream.ScanPage, error)
}

// Journal records observed terminal transitions for the audit view. A nil
// journal disables recording.
type Journal interface {
	Record(ctx context.Context, scanID string, from, to models.Status) error
}

type state int

const (
	stateIdle state = iota
	stateScheduled
	stateRunning
)

// Watcher keeps the store in sync with the scan service. It schedules a
// poll cycle whenever active scans exist and none is pending, probes every
// active id concurrently, applies transitions to the store, emits notices
// for completed/failed, and reloads the list at most once per cycle.
//
// Poll targets are re-derived from the store at the start of every cycle,
// so scans deleted or paged away mid-cycle fall out of the target set on
// their own.
type Watcher struct {
	store    *store.Store
	upstream Upstream
	notifier notify.Notifier
	journal  Journal
	log      *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	ctx      context.Context
	state    state
	timer    *time.Timer
	page     int
	pageSize int
	closed   bool
}

// Options configures a Watcher.
type Options struct {
	Store    *store.Store
	Upstream Upstream
	Notifier notify.Notifier
	Journal  Journal // optional
	Log      *zap.Logger
	Interval time.Duration
	PageSize int
}

func New(opts Options) *Watcher {
	if opts.Interval == 0 {
		opts.Interval = 4 * time.Second
	}
	if opts.PageSize == 0 {
		opts.PageSize = 20
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Watcher{
		store:    opts.Store,
		upstream: opts.Upstream,
		notifier: opts.Notifier,
		journal:  opts.Journal,
		log:      opts.Log,
		interval: opts.Interval,
		page:     1,
		pageSize: opts.PageSize,
	}
}

// Start arms the watcher. The context bounds every probe and reload; when
// it is cancelled the watcher stops scheduling new cycles.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	w.Kick()
}

// Stop cancels any scheduled cycle and prevents new ones. A running cycle
// finishes on its own; its results still pass through the store's
// membership checks.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.state == stateScheduled {
		w.state = stateIdle
	}
}

// SetPage records which page of the list the console is showing, so that
// the reload after a terminal transition fetches what the user sees.
func (w *Watcher) SetPage(page int) {
	if page < 1 {
		page = 1
	}
	w.mu.Lock()
	w.page = page
	w.mu.Unlock()
}

// Page returns the list page currently being tracked.
func (w *Watcher) Page() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.page
}

// Kick re-evaluates whether a poll cycle should be scheduled. Call it
// after every store mutation. With no active scans any scheduled cycle is
// cancelled; while a cycle runs the end-of-cycle re-evaluation takes over.
func (w *Watcher) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.ctx == nil {
		return
	}

	active := w.store.ActiveIDs()
	telemetry.ActiveScans.Set(float64(len(active)))

	switch w.state {
	case stateIdle:
		if len(active) > 0 {
			w.state = stateScheduled
			w.timer = time.AfterFunc(w.interval, w.run)
		}
	case stateScheduled:
		if len(active) == 0 {
			if w.timer != nil {
				w.timer.Stop()
				w.timer = nil
			}
			w.state = stateIdle
		}
	case stateRunning:
	}
}

func (w *Watcher) run() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.state = stateRunning
	w.timer = nil
	ctx := w.ctx
	w.mu.Unlock()

	w.cycle(ctx)

	w.mu.Lock()
	w.state = stateIdle
	w.mu.Unlock()
	w.Kick()
}

type probeResult struct {
	id     string
	status models.Status
	err    error
}

// cycle runs one poll round: probe every currently-active id, gather the
// full result set, then reconcile against the store.
func (w *Watcher) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	ids := w.store.ActiveIDs()
	if len(ids) == 0 {
		return
	}
	telemetry.PollCycles.Inc()

	results := make([]probeResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			status, err := w.upstream.ScanStatus(ctx, id)
			results[i] = probeResult{id: id, status: status, err: err}
		}(i, id)
	}
	wg.Wait()

	w.reconcile(ctx, results)
}

// reconcile applies one cycle's gathered probe results. Probe failures
// mean "no new information" for that id; the stored status is retained.
func (w *Watcher) reconcile(ctx context.Context, results []probeResult) {
	sawTerminal := false
	for _, p := range results {
		telemetry.ProbesTotal.Inc()
		if p.err != nil {
			telemetry.ProbeFailures.Inc()
			w.log.Warn("status probe failed", zap.String("scan_id", p.id), zap.Error(p.err))
			continue
		}

		// PatchStatus re-checks membership, so results for scans removed
		// while this cycle was in flight die here.
		prev, changed := w.store.PatchStatus(p.id, p.status)
		if !changed {
			continue
		}
		telemetry.Transitions.Inc()
		w.log.Info("scan transition",
			zap.String("scan_id", p.id),
			zap.String("from", string(prev)),
			zap.String("to", string(p.status)))

		if !p.status.Terminal() {
			continue
		}
		sawTerminal = true
		w.record(ctx, p.id, prev, p.status)

		switch p.status {
		case models.StatusCompleted:
			w.emit(ctx, notify.Success(p.id, fmt.Sprintf("scan %s completed", w.subject(p.id))))
		case models.StatusFailed:
			w.emit(ctx, notify.Error(p.id, fmt.Sprintf("scan %s failed", w.subject(p.id))))
		case models.StatusCancelled:
			// Silent: the user asked for this one.
		}
	}

	if sawTerminal {
		w.reload(ctx)
	}
}

// reload fetches the current page and replaces the store, picking up the
// result payloads the status probes do not carry. At most one reload
// happens per cycle no matter how many scans reached a terminal state.
func (w *Watcher) reload(ctx context.Context) {
	w.mu.Lock()
	page, pageSize := w.page, w.pageSize
	w.mu.Unlock()

	result, err := w.upstream.ListScans(ctx, page, pageSize)
	if err != nil {
		telemetry.ReloadFailures.Inc()
		w.log.Error("list reload failed", zap.Error(err))
		// Keep the last good list; just tell the user the refresh failed.
		w.emit(ctx, notify.Error("", "could not refresh scan list"))
		return
	}
	telemetry.Reloads.Inc()
	w.store.ReplaceAll(result.Scans, result.Total)
}

func (w *Watcher) record(ctx context.Context, scanID string, from, to models.Status) {
	if w.journal == nil {
		return
	}
	if err := w.journal.Record(ctx, scanID, from, to); err != nil {
		w.log.Warn("journal write failed", zap.String("scan_id", scanID), zap.Error(err))
	}
}

func (w *Watcher) emit(ctx context.Context, n notify.Notice) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, n); err != nil {
		w.log.Warn("notice delivery failed", zap.String("notice_id", n.ID), zap.Error(err))
	}
}

func (w *Watcher) subject(id string) string {
	if sc, ok := w.store.Get(id); ok {
		return sc.Subject()
	}
	return id
}
