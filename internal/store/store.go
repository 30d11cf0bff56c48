// Package store persists each group's event list as one codec payload under
// a per-group key. The byte-level storage is a Backend so the technology can
// be swapped without touching callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"groupcal/internal/ics"
	appLog "groupcal/internal/log"
	"groupcal/internal/metrics"
	"groupcal/internal/model"
)

const (
	eventsPrefix     = "events:"
	quarantinePrefix = "events-quarantine:"
)

// ErrNotFound is returned by a Backend when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Backend is a raw byte key/value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// PersistenceError reports a write to the backend that did not complete.
type PersistenceError struct {
	Op      string
	GroupID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for group %q: %v", e.Op, e.GroupID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RecordStore is the typed repository of group event lists.
type RecordStore struct {
	backend Backend
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
	// locks holds one mutex per group ever mutated; entries are never
	// dropped, which is bounded by the number of groups.
	locks map[string]*sync.Mutex
}

type Option func(*RecordStore)

// WithMetrics counts read and decode degradations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *RecordStore) { s.metrics = m }
}

// WithClock overrides the clock used for quarantine keys.
func WithClock(now func() time.Time) Option {
	return func(s *RecordStore) { s.now = now }
}

func New(backend Backend, opts ...Option) *RecordStore {
	s := &RecordStore{
		backend: backend,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RecordStore) Close() error {
	return s.backend.Close()
}

func groupKey(groupID string) string {
	return eventsPrefix + groupID
}

func (s *RecordStore) lockGroup(groupID string) func() {
	s.mu.Lock()
	l, ok := s.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[groupID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns the group's events. A group with no data, a backend read
// failure and an undecodable payload all yield an empty list; only a done
// context is reported as an error.
func (s *RecordStore) Get(ctx context.Context, groupID string) ([]model.GroupEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, _, err := s.load(ctx, groupID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		appLog.Error("store: read group failed, treating as empty", err, "group_id", groupID)
		s.metrics.ReadDegraded()
		return []model.GroupEvent{}, nil
	}
	return events, nil
}

// load reads and decodes one group. A decode failure is logged and returned
// as an empty list with corrupt set; backend errors are returned as-is.
func (s *RecordStore) load(ctx context.Context, groupID string) (events []model.GroupEvent, corrupt []byte, err error) {
	raw, err := s.backend.Get(ctx, groupKey(groupID))
	if errors.Is(err, ErrNotFound) {
		return []model.GroupEvent{}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	events, err = ics.Decode(raw)
	if err != nil {
		appLog.Error("store: group payload is unreadable, treating as empty", err,
			"group_id", groupID, "bytes", len(raw))
		s.metrics.DecodeDegraded()
		return []model.GroupEvent{}, raw, nil
	}
	return events, nil, nil
}

// Put replaces the group's whole list.
func (s *RecordStore) Put(ctx context.Context, groupID string, events []model.GroupEvent) error {
	unlock := s.lockGroup(groupID)
	defer unlock()
	return s.write(ctx, "put", groupID, events)
}

func (s *RecordStore) write(ctx context.Context, op, groupID string, events []model.GroupEvent) error {
	payload, err := ics.Encode(events)
	if err != nil {
		return &PersistenceError{Op: op, GroupID: groupID, Err: err}
	}
	if err := s.backend.Put(ctx, groupKey(groupID), payload); err != nil {
		return &PersistenceError{Op: op, GroupID: groupID, Err: err}
	}
	return nil
}

// readForUpdate loads a group under its lock. A payload that cannot be
// decoded is copied to a quarantine key first so the rewrite that follows
// never destroys it.
func (s *RecordStore) readForUpdate(ctx context.Context, op, groupID string) ([]model.GroupEvent, error) {
	events, corrupt, err := s.load(ctx, groupID)
	if err != nil {
		return nil, &PersistenceError{Op: op, GroupID: groupID, Err: fmt.Errorf("read current list: %w", err)}
	}
	if corrupt != nil {
		qkey := fmt.Sprintf("%s%s:%d", quarantinePrefix, groupID, s.now().UnixNano())
		if err := s.backend.Put(ctx, qkey, corrupt); err != nil {
			return nil, &PersistenceError{Op: op, GroupID: groupID, Err: fmt.Errorf("quarantine payload: %w", err)}
		}
		appLog.Warn("store: quarantined unreadable payload", "group_id", groupID, "key", qkey)
	}
	return events, nil
}

// Append adds one event to the end of the group's list.
func (s *RecordStore) Append(ctx context.Context, groupID string, event model.GroupEvent) error {
	unlock := s.lockGroup(groupID)
	defer unlock()

	events, err := s.readForUpdate(ctx, "append", groupID)
	if err != nil {
		return err
	}
	events = append(events, event)
	return s.write(ctx, "append", groupID, events)
}

// DeleteEvent removes the event with eventID from the group. It reports
// whether an event was removed; an unknown ID is a no-op.
func (s *RecordStore) DeleteEvent(ctx context.Context, groupID, eventID string) (bool, error) {
	unlock := s.lockGroup(groupID)
	defer unlock()

	events, err := s.readForUpdate(ctx, "delete", groupID)
	if err != nil {
		return false, err
	}

	kept := events[:0:0]
	for _, ev := range events {
		if ev.ID != eventID {
			kept = append(kept, ev)
		}
	}
	if len(kept) == len(events) {
		return false, nil
	}
	if err := s.write(ctx, "delete", groupID, kept); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteGroup drops the group's entry entirely.
func (s *RecordStore) DeleteGroup(ctx context.Context, groupID string) error {
	unlock := s.lockGroup(groupID)
	defer unlock()

	if err := s.backend.Delete(ctx, groupKey(groupID)); err != nil && !errors.Is(err, ErrNotFound) {
		return &PersistenceError{Op: "delete_group", GroupID: groupID, Err: err}
	}
	return nil
}

// GroupIDs lists the groups that have an entry, sorted.
func (s *RecordStore) GroupIDs(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx, eventsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, eventsPrefix)
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MigrateResult summarizes a Migrate run.
type MigrateResult struct {
	Rewritten   []string
	Quarantined []string
}

// Migrate rewrites every group still stored in the legacy JSON format as
// iCalendar. Unreadable groups are quarantined and left untouched.
func (s *RecordStore) Migrate(ctx context.Context) (MigrateResult, error) {
	var res MigrateResult

	ids, err := s.GroupIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		migrated, quarantined, err := s.migrateGroup(ctx, id)
		if err != nil {
			return res, err
		}
		if migrated {
			res.Rewritten = append(res.Rewritten, id)
		}
		if quarantined {
			res.Quarantined = append(res.Quarantined, id)
		}
	}
	return res, nil
}

func (s *RecordStore) migrateGroup(ctx context.Context, groupID string) (migrated, quarantined bool, err error) {
	unlock := s.lockGroup(groupID)
	defer unlock()

	raw, err := s.backend.Get(ctx, groupKey(groupID))
	if errors.Is(err, ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, &PersistenceError{Op: "migrate", GroupID: groupID, Err: err}
	}
	if !ics.IsLegacy(raw) {
		return false, false, nil
	}

	events, decErr := ics.Decode(raw)
	if decErr != nil {
		qkey := fmt.Sprintf("%s%s:%d", quarantinePrefix, groupID, s.now().UnixNano())
		if err := s.backend.Put(ctx, qkey, raw); err != nil {
			return false, false, &PersistenceError{Op: "migrate", GroupID: groupID, Err: err}
		}
		appLog.Error("store: legacy payload is unreadable, quarantined", decErr, "group_id", groupID, "key", qkey)
		s.metrics.DecodeDegraded()
		return false, true, nil
	}
	if err := s.write(ctx, "migrate", groupID, events); err != nil {
		return false, false, err
	}
	appLog.Info("store: migrated legacy payload", "group_id", groupID, "events", len(events))
	return true, false, nil
}
