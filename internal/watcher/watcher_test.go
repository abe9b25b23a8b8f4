package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scan-console/internal/models"
	"scan-console/internal/notify"
	"scan-console/internal/store"
	"scan-console/internal/upstream"
)

// fakeUpstream serves scripted statuses and list pages, counting calls.
type fakeUpstream struct {
	mu        sync.Mutex
	statuses  map[string]models.Status
	statusErr map[string]error
	page      upstream.ScanPage
	listErr   error
	listCalls int
	probed    []string
	entered   []string
	gates     map[string]chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		statuses:  make(map[string]models.Status),
		statusErr: make(map[string]error),
		gates:     make(map[string]chan struct{}),
	}
}

func (f *fakeUpstream) ScanStatus(_ context.Context, id string) (models.Status, error) {
	f.mu.Lock()
	f.entered = append(f.entered, id)
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, id)
	if err := f.statusErr[id]; err != nil {
		return "", err
	}
	return f.statuses[id], nil
}

func (f *fakeUpstream) ListScans(_ context.Context, _, _ int) (upstream.ScanPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return upstream.ScanPage{}, f.listErr
	}
	return f.page, nil
}

func (f *fakeUpstream) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeUpstream) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entered)
}

func (f *fakeUpstream) probes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.probed))
	copy(out, f.probed)
	return out
}

// recordingNotifier collects every notice.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

type journalEntry struct {
	scanID   string
	from, to models.Status
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (r *recordingJournal) Record(_ context.Context, scanID string, from, to models.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, journalEntry{scanID, from, to})
	return nil
}

func scan(id string, status models.Status) models.Scan {
	return models.Scan{ID: id, Owner: "acme", Repo: "svc-" + id, Status: status}
}

func newWatcher(t *testing.T, st *store.Store, up Upstream, nt notify.Notifier, jn Journal) *Watcher {
	t.Helper()
	return New(Options{
		Store:    st,
		Upstream: up,
		Notifier: nt,
		Journal:  jn,
		Interval: 10 * time.Millisecond,
		PageSize: 20,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNoPollingWhenIdle(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{
		scan("1", models.StatusCompleted),
		scan("2", models.StatusFailed),
	}, 2)

	up := newFakeUpstream()
	w := newWatcher(t, st, up, &recordingNotifier{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := up.probes(); len(got) != 0 {
		t.Fatalf("expected no probes with no active scans, got %v", got)
	}
}

func TestTerminalTransitionNotifiesAndReloadsOnce(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{
		scan("1", models.StatusPending),
		scan("2", models.StatusScanning),
	}, 2)

	up := newFakeUpstream()
	up.statuses["1"] = models.StatusCompleted
	up.statuses["2"] = models.StatusScanning
	up.page = upstream.ScanPage{
		Scans: []models.Scan{
			{ID: "1", Owner: "acme", Repo: "svc-1", Status: models.StatusCompleted,
				Result: &models.ResultSummary{FindingCount: 4, FilesScanned: 10, DurationSeconds: 2.5}},
			scan("2", models.StatusScanning),
		},
		Total: 2,
	}

	nt := &recordingNotifier{}
	jn := &recordingJournal{}
	w := newWatcher(t, st, up, nt, jn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, "reload", func() bool { return up.lists() >= 1 })

	if got := up.lists(); got != 1 {
		t.Fatalf("expected exactly one list call, got %d", got)
	}
	notices := nt.all()
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %+v", notices)
	}
	if notices[0].Level != notify.LevelSuccess || notices[0].ScanID != "1" {
		t.Fatalf("unexpected notice: %+v", notices[0])
	}

	sc, ok := st.Get("1")
	if !ok || sc.Status != models.StatusCompleted || sc.Result == nil || sc.Result.FindingCount != 4 {
		t.Fatalf("reload did not land result payload: %+v", sc)
	}

	jn.mu.Lock()
	entries := append([]journalEntry(nil), jn.entries...)
	jn.mu.Unlock()
	if len(entries) != 1 || entries[0].scanID != "1" || entries[0].from != models.StatusPending || entries[0].to != models.StatusCompleted {
		t.Fatalf("unexpected journal entries: %+v", entries)
	}

	// The next cycle only targets the remaining active scan.
	waitFor(t, "second cycle", func() bool { return len(up.probes()) >= 3 })
	probes := up.probes()
	for _, id := range probes[2:] {
		if id != "2" {
			t.Fatalf("terminal scan polled again: %v", probes)
		}
	}
}

func TestFailedScanEmitsErrorAndStopsPolling(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{scan("5", models.StatusScanning)}, 1)

	up := newFakeUpstream()
	up.statuses["5"] = models.StatusFailed
	up.page = upstream.ScanPage{Scans: []models.Scan{scan("5", models.StatusFailed)}, Total: 1}

	nt := &recordingNotifier{}
	w := newWatcher(t, st, up, nt, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, "reload", func() bool { return up.lists() >= 1 })
	notices := nt.all()
	if len(notices) != 1 || notices[0].Level != notify.LevelError || notices[0].ScanID != "5" {
		t.Fatalf("expected one error notice for scan 5, got %+v", notices)
	}

	probesAfter := len(up.probes())
	time.Sleep(50 * time.Millisecond)
	if got := len(up.probes()); got != probesAfter {
		t.Fatalf("terminal scan kept being polled: %d -> %d", probesAfter, got)
	}
}

func TestCancelledIsSilentButReloads(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{scan("9", models.StatusCloning)}, 1)

	up := newFakeUpstream()
	up.statuses["9"] = models.StatusCancelled
	up.page = upstream.ScanPage{Scans: []models.Scan{scan("9", models.StatusCancelled)}, Total: 1}

	nt := &recordingNotifier{}
	w := newWatcher(t, st, up, nt, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, "reload", func() bool { return up.lists() >= 1 })
	if notices := nt.all(); len(notices) != 0 {
		t.Fatalf("cancelled must not notify, got %+v", notices)
	}
}

func TestIdempotentNoOpCycle(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{
		scan("1", models.StatusPending),
		scan("2", models.StatusScanning),
	}, 2)

	up := newFakeUpstream()
	up.statuses["1"] = models.StatusPending
	up.statuses["2"] = models.StatusScanning

	nt := &recordingNotifier{}
	w := newWatcher(t, st, up, nt, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, "a few cycles", func() bool { return len(up.probes()) >= 6 })
	if got := up.lists(); got != 0 {
		t.Fatalf("no-op cycles must not reload, got %d list calls", got)
	}
	if notices := nt.all(); len(notices) != 0 {
		t.Fatalf("no-op cycles must not notify, got %+v", notices)
	}
	if sc, _ := st.Get("1"); sc.Status != models.StatusPending {
		t.Fatalf("status changed without a transition: %+v", sc)
	}
}

func TestProbeFailureRetainsStatus(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{
		scan("1", models.StatusScanning),
		scan("2", models.StatusScanning),
	}, 2)

	up := newFakeUpstream()
	up.statusErr["1"] = errors.New("connection reset")
	up.statuses["2"] = models.StatusCompleted
	up.page = upstream.ScanPage{
		Scans: []models.Scan{
			scan("1", models.StatusScanning),
			scan("2", models.StatusCompleted),
		},
		Total: 2,
	}

	nt := &recordingNotifier{}
	w := newWatcher(t, st, up, nt, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// One probe fails, the sibling's completion still lands.
	waitFor(t, "reload", func() bool { return up.lists() >= 1 })
	if sc, _ := st.Get("1"); sc.Status != models.StatusScanning {
		t.Fatalf("failed probe must retain prior status, got %s", sc.Status)
	}
	notices := nt.all()
	if len(notices) != 1 || notices[0].ScanID != "2" {
		t.Fatalf("expected only scan 2's notice, got %+v", notices)
	}
}

func TestReloadFailureKeepsStoreAndWarnsUser(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{scan("1", models.StatusScanning)}, 1)

	up := newFakeUpstream()
	up.statuses["1"] = models.StatusCompleted
	up.listErr = errors.New("upstream down")

	nt := &recordingNotifier{}
	w := newWatcher(t, st, up, nt, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, "failed reload", func() bool { return up.lists() >= 1 })
	waitFor(t, "notices", func() bool { return len(nt.all()) >= 2 })

	if got := st.List(); len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("store must keep last good state on reload failure, got %+v", got)
	}
	var sawCompletion, sawReloadError bool
	for _, n := range nt.all() {
		if n.Level == notify.LevelSuccess && n.ScanID == "1" {
			sawCompletion = true
		}
		if n.Level == notify.LevelError && n.ScanID == "" {
			sawReloadError = true
		}
	}
	if !sawCompletion || !sawReloadError {
		t.Fatalf("expected completion + reload-error notices, got %+v", nt.all())
	}
}

func TestDeleteMidCycleDropsLatePatch(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{scan("7", models.StatusCloning)}, 1)

	up := newFakeUpstream()
	gate := make(chan struct{})
	up.gates["7"] = gate
	up.statuses["7"] = models.StatusScanning

	w := newWatcher(t, st, up, &recordingNotifier{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// Wait until the cycle is blocked inside the probe for 7, then delete
	// the scan while the probe is in flight.
	waitFor(t, "probe start", func() bool { return up.inFlight() >= 1 })
	st.Remove("7")
	w.Kick()
	close(gate)

	waitFor(t, "probe completion", func() bool { return len(up.probes()) >= 1 })
	time.Sleep(30 * time.Millisecond)

	if _, ok := st.Get("7"); ok {
		t.Fatalf("late patch reintroduced deleted scan")
	}
	if got := up.probes(); len(got) != 1 {
		t.Fatalf("deleted scan must leave the target set, probes=%v", got)
	}
}

func TestMultipleTerminalsOneReload(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{
		scan("a", models.StatusScanning),
		scan("b", models.StatusScanning),
		scan("c", models.StatusScanning),
	}, 3)

	up := newFakeUpstream()
	up.statuses["a"] = models.StatusCompleted
	up.statuses["b"] = models.StatusFailed
	up.statuses["c"] = models.StatusCancelled
	up.page = upstream.ScanPage{
		Scans: []models.Scan{
			scan("a", models.StatusCompleted),
			scan("b", models.StatusFailed),
			scan("c", models.StatusCancelled),
		},
		Total: 3,
	}

	nt := &recordingNotifier{}
	w := newWatcher(t, st, up, nt, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, "reload", func() bool { return up.lists() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := up.lists(); got != 1 {
		t.Fatalf("expected exactly one reload for the cycle, got %d", got)
	}
	notices := nt.all()
	if len(notices) != 2 {
		t.Fatalf("expected success+error only (cancelled silent), got %+v", notices)
	}
}

func TestKickCancelsWhenActiveSetEmpties(t *testing.T) {
	st := store.New()
	st.ReplaceAll([]models.Scan{scan("1", models.StatusPending)}, 1)

	up := newFakeUpstream()
	w := New(Options{
		Store:    st,
		Upstream: up,
		Notifier: &recordingNotifier{},
		Interval: 200 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// Empty the active set before the scheduled cycle fires.
	st.Remove("1")
	w.Kick()

	time.Sleep(300 * time.Millisecond)
	if got := up.probes(); len(got) != 0 {
		t.Fatalf("cancelled schedule still polled: %v", got)
	}
}
