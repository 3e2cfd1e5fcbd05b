// Package mock provides an in-memory implementation of the database interfaces for
// tests and for running the server without a database (serve --memory).
package mock

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// MockStore is an in-memory implementation of database.Store
type MockStore struct {
	mu          sync.RWMutex
	identities  map[int64]*database.Identity
	byEmail     map[string]int64
	byExternal  map[string]int64
	attendance  map[database.AttendanceKey]*database.AttendanceRecord
	keyLocks    map[database.AttendanceKey]*keyLock
	detections  []database.DetectionEvent
	nextID      int64
	nextAttID   int64
	nextEventID int64
	now         func() time.Time

	// Error injection
	GetIdentityError    error
	ListEncodingsError  error
	CountError          error
	InsertIdentityError error
	UpsertError         error
	GetAttendanceError  error
	ListAttendanceError error
	AppendEventError    error
	ListEventsError     error
	StatsError          error

	// Delay is applied to every call; a context that expires first yields a storage timeout.
	Delay time.Duration
}

// NewMockStore creates a new empty in-memory store
func NewMockStore() *MockStore {
	return &MockStore{
		identities: make(map[int64]*database.Identity),
		byEmail:    make(map[string]int64),
		byExternal: make(map[string]int64),
		attendance: make(map[database.AttendanceKey]*database.AttendanceRecord),
		keyLocks:   make(map[database.AttendanceKey]*keyLock),
		now:        time.Now,
	}
}

var _ database.Store = (*MockStore)(nil)

func (m *MockStore) wait(ctx context.Context, op string) error {
	if m.Delay <= 0 {
		return apperr.Storage(ctx.Err(), op)
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apperr.Storage(ctx.Err(), op)
	case <-timer.C:
		return nil
	}
}

// GetIdentity retrieves an identity by id
func (m *MockStore) GetIdentity(ctx context.Context, id int64) (*database.Identity, error) {
	if m.GetIdentityError != nil {
		return nil, m.GetIdentityError
	}
	if err := m.wait(ctx, "get identity"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrNotFound, "identity %d not found", id)
	}
	c := *ident
	c.Encoding = slices.Clone(ident.Encoding)
	return &c, nil
}

// ListEncodings returns a snapshot of every enrolled encoding
func (m *MockStore) ListEncodings(ctx context.Context) (map[int64][]float32, error) {
	if m.ListEncodingsError != nil {
		return nil, m.ListEncodingsError
	}
	if err := m.wait(ctx, "list encodings"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64][]float32, len(m.identities))
	for id, ident := range m.identities {
		out[id] = slices.Clone(ident.Encoding)
	}
	return out, nil
}

// CountIdentities returns the number of identities
func (m *MockStore) CountIdentities(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	if err := m.wait(ctx, "count identities"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities), nil
}

// InsertIdentity stores an identity, enforcing email and external id uniqueness under one lock
func (m *MockStore) InsertIdentity(ctx context.Context, ni database.NewIdentity) (int64, error) {
	if m.InsertIdentityError != nil {
		return 0, m.InsertIdentityError
	}
	if err := m.wait(ctx, "insert identity"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(ni.Email)
	if _, ok := m.byEmail[email]; ok {
		return 0, apperr.New(apperr.ErrDuplicate, "email is already enrolled")
	}
	if _, ok := m.byExternal[ni.ExternalID]; ok {
		return 0, apperr.New(apperr.ErrDuplicate, "external id is already enrolled")
	}

	m.nextID++
	id := m.nextID
	m.identities[id] = &database.Identity{
		ID:         id,
		FullName:   ni.FullName,
		Email:      ni.Email,
		ExternalID: ni.ExternalID,
		Encoding:   slices.Clone(ni.Encoding),
		CreatedAt:  m.now(),
	}
	m.byEmail[email] = id
	m.byExternal[ni.ExternalID] = id
	return id, nil
}

// keyLock serialises upserts of one attendance key. refs counts holders and waiters so
// the entry can be dropped once nobody uses it.
type keyLock struct {
	sync.Mutex
	refs int
}

func (m *MockStore) lockKey(key database.AttendanceKey) {
	m.mu.Lock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &keyLock{}
		m.keyLocks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
}

func (m *MockStore) unlockKey(key database.AttendanceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.keyLocks[key]
	l.Unlock()
	if l.refs--; l.refs == 0 {
		delete(m.keyLocks, key)
	}
}

// UpsertAttendance runs mutator while holding the lock for key
func (m *MockStore) UpsertAttendance(ctx context.Context, key database.AttendanceKey, mutator database.AttendanceMutator) (*database.AttendanceRecord, error) {
	if m.UpsertError != nil {
		return nil, m.UpsertError
	}

	m.lockKey(key)
	defer m.unlockKey(key)

	if err := m.wait(ctx, "upsert attendance"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	current := m.attendance[key].Clone()
	m.mu.RUnlock()

	next, err := mutator(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := next.Clone()
	stored.IdentityID = key.IdentityID
	stored.Date = key.Date
	if current == nil {
		m.nextAttID++
		stored.ID = m.nextAttID
	} else {
		stored.ID = current.ID
	}
	m.attendance[key] = stored
	return stored.Clone(), nil
}

// GetAttendance returns the record for key or nil
func (m *MockStore) GetAttendance(ctx context.Context, key database.AttendanceKey) (*database.AttendanceRecord, error) {
	if m.GetAttendanceError != nil {
		return nil, m.GetAttendanceError
	}
	if err := m.wait(ctx, "get attendance"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attendance[key].Clone(), nil
}

// ListAttendance returns records for an identity, most recent date first
func (m *MockStore) ListAttendance(ctx context.Context, identityID int64, limit int) ([]database.AttendanceRecord, error) {
	if m.ListAttendanceError != nil {
		return nil, m.ListAttendanceError
	}
	if err := m.wait(ctx, "list attendance"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []database.AttendanceRecord
	for key, rec := range m.attendance {
		if key.IdentityID == identityID {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendDetectionEvent appends an event to the log
func (m *MockStore) AppendDetectionEvent(ctx context.Context, event database.DetectionEvent) (int64, error) {
	if m.AppendEventError != nil {
		return 0, m.AppendEventError
	}
	if err := m.wait(ctx, "append detection event"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	event.ID = m.nextEventID
	if event.DetectedAt.IsZero() {
		event.DetectedAt = m.now()
	}
	event.Metadata = maps.Clone(event.Metadata)
	m.detections = append(m.detections, event)
	return event.ID, nil
}

func matchesFilter(e database.DetectionEvent, f database.DetectionFilter) bool {
	if f.IdentityID == nil {
		return true
	}
	return e.IdentityID != nil && *e.IdentityID == *f.IdentityID
}

// ListDetectionEvents returns events newest first
func (m *MockStore) ListDetectionEvents(ctx context.Context, filter database.DetectionFilter) ([]database.DetectionEvent, error) {
	if m.ListEventsError != nil {
		return nil, m.ListEventsError
	}
	if err := m.wait(ctx, "list detection events"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []database.DetectionEvent
	for i := len(m.detections) - 1; i >= 0; i-- {
		e := m.detections[i]
		if !matchesFilter(e, filter) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// DetectionStats aggregates matching events
func (m *MockStore) DetectionStats(ctx context.Context, filter database.DetectionFilter) (*database.DetectionStats, error) {
	if m.StatsError != nil {
		return nil, m.StatsError
	}
	if err := m.wait(ctx, "detection stats"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &database.DetectionStats{}
	var sum float64
	for _, e := range m.detections {
		if !matchesFilter(e, filter) {
			continue
		}
		stats.Total++
		switch e.Label {
		case database.LabelFake:
			stats.FakeCount++
		case database.LabelReal:
			stats.RealCount++
		}
		sum += e.Confidence
	}
	if stats.Total > 0 {
		stats.AvgConfidence = sum / float64(stats.Total)
	}
	return stats, nil
}

// Close is a no-op
func (m *MockStore) Close() error {
	return nil
}

// SetClock replaces the time source used for created_at / detected_at.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Identities returns all identities ordered by id (test helper).
func (m *MockStore) Identities() []database.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(m.identities))
	out := make([]database.Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.identities[id])
	}
	return out
}
