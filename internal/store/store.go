package store

import (
	"sync"

	"scan-console/internal/models"
)

// Store is the single source of truth for what the console currently
// believes about each scan. Membership only changes through ReplaceAll,
// Upsert, and Remove; the reconciler never fabricates or deletes scans.
type Store struct {
	mu    sync.Mutex
	order []string
	scans map[string]models.Scan
	total int
}

func New() *Store {
	return &Store{scans: make(map[string]models.Scan)}
}

// ReplaceAll atomically swaps the tracked set for the given page of scans,
// discarding prior state. Order is preserved for stable list rendering.
func (s *Store) ReplaceAll(scans []models.Scan, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = make([]string, 0, len(scans))
	s.scans = make(map[string]models.Scan, len(scans))
	for _, sc := range scans {
		if _, dup := s.scans[sc.ID]; dup {
			continue
		}
		s.order = append(s.order, sc.ID)
		s.scans[sc.ID] = sc
	}
	s.total = total
}

// Upsert inserts a scan (appended to the list) or overwrites it in place.
// Used when the user triggers a new scan so it shows up before the next
// full reload.
func (s *Store) Upsert(sc models.Scan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[sc.ID]; !ok {
		s.order = append(s.order, sc.ID)
		s.total++
	}
	s.scans[sc.ID] = sc
}

// PatchStatus updates just the status of one tracked scan. It returns the
// prior status and whether anything changed. Patches for untracked ids are
// dropped silently (the scan may have been deleted or paged away since the
// probe was issued), as are patches that would move a terminal scan or
// step a scan backwards through its lifecycle.
func (s *Store) PatchStatus(id string, status models.Status) (models.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return "", false
	}
	if sc.Status == status || sc.Status.Terminal() || status.Rank() < sc.Status.Rank() {
		return sc.Status, false
	}
	prev := sc.Status
	sc.Status = status
	s.scans[id] = sc
	return prev, true
}

// Remove deletes a scan from the tracked set. It reports whether the id
// was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[id]; !ok {
		return false
	}
	delete(s.scans, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.total > 0 {
		s.total--
	}
	return true
}

// ActiveIDs returns the ids of all scans still in flight, in list order.
func (s *Store) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if s.scans[id].Status.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get returns one scan by id.
func (s *Store) Get(id string) (models.Scan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	return sc, ok
}

// List returns the tracked scans in stable order.
func (s *Store) List() []models.Scan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Scan, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.scans[id])
	}
	return out
}

// Total returns the upstream total reported by the last full load, adjusted
// for local inserts and deletes since.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
