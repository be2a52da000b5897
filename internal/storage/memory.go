package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jidegrand/travelcart/internal/signal"
)

// MemoryStore is an in-process Repository used for simulations and tests.
type MemoryStore struct {
	mu            sync.Mutex
	watches       map[string]Watch
	samples       map[string][]PriceSample
	notifications []Notification
	nextSampleID  int64
	nextNoteID    int64
	now           func() time.Time
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watches: make(map[string]Watch),
		samples: make(map[string][]PriceSample),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source for inserted rows.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CreateWatch stores a new watch at version 1 together with its first sample.
func (m *MemoryStore) CreateWatch(ctx context.Context, watch Watch, first PriceSample) (Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if watch.ID == "" {
		watch.ID = uuid.NewString()
	}
	now := m.now()
	watch.Version = 1
	watch.CreatedAt = now
	watch.UpdatedAt = now
	m.watches[watch.ID] = watch

	first.WatchID = watch.ID
	m.appendLocked(first)
	return watch, nil
}

// GetWatch returns the watch with id or ErrNotFound.
func (m *MemoryStore) GetWatch(ctx context.Context, id string) (Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return Watch{}, ErrNotFound
	}
	return w, nil
}

// ListActiveWatches returns watches departing on or after today.
func (m *MemoryStore) ListActiveWatches(ctx context.Context, today time.Time) ([]Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := signal.Date(today)
	out := make([]Watch, 0, len(m.watches))
	for _, w := range m.watches {
		if !signal.Date(w.DepartureDate).Before(cutoff) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DepartureDate.Equal(out[j].DepartureDate) {
			return out[i].DepartureDate.Before(out[j].DepartureDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListWatches returns the most recently created watches first.
func (m *MemoryStore) ListWatches(ctx context.Context, limit int) ([]Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Watch, 0, len(m.watches))
	for _, w := range m.watches {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateWatchSignal writes the derived fields when the version still matches.
func (m *MemoryStore) UpdateWatchSignal(ctx context.Context, watch Watch) (Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.watches[watch.ID]
	if !ok || stored.Version != watch.Version {
		return Watch{}, ErrVersionConflict
	}

	next := stored
	next.CurrentPrice = watch.CurrentPrice
	next.Signal = watch.Signal
	next.SignalReason = watch.SignalReason
	next.Confidence = watch.Confidence
	next.ExpectedPrice = watch.ExpectedPrice
	next.OptimalWindow = watch.OptimalWindow
	next.FallbackDate = watch.FallbackDate
	next.LastChecked = watch.LastChecked
	next.Version++
	next.UpdatedAt = m.now()
	m.watches[watch.ID] = next
	return next, nil
}

// UpdatePreferences applies target and hold edits and bumps the version.
func (m *MemoryStore) UpdatePreferences(ctx context.Context, id string, prefs Preferences) (Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return Watch{}, ErrNotFound
	}
	if prefs.TargetPrice != nil {
		w.TargetPrice = *prefs.TargetPrice
	}
	if prefs.Hold != nil {
		w.Hold = *prefs.Hold
	}
	w.Version++
	w.UpdatedAt = m.now()
	m.watches[id] = w
	return w, nil
}

// DeleteWatch removes a watch with its samples and notifications.
func (m *MemoryStore) DeleteWatch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[id]; !ok {
		return ErrNotFound
	}
	delete(m.watches, id)
	delete(m.samples, id)
	kept := m.notifications[:0]
	for _, n := range m.notifications {
		if n.WatchID != id {
			kept = append(kept, n)
		}
	}
	m.notifications = kept
	return nil
}

// AppendSample records one fare observation.
func (m *MemoryStore) AppendSample(ctx context.Context, sample PriceSample) (PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(sample), nil
}

func (m *MemoryStore) appendLocked(sample PriceSample) PriceSample {
	m.nextSampleID++
	sample.ID = m.nextSampleID
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = m.now()
	}
	m.samples[sample.WatchID] = append(m.samples[sample.WatchID], sample)
	return sample
}

// RecentSamples returns up to limit samples, newest first.
func (m *MemoryStore) RecentSamples(ctx context.Context, watchID string, limit int) ([]PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.samples[watchID]
	out := make([]PriceSample, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// ListSamplesBetween returns samples in [from, to), oldest first.
func (m *MemoryStore) ListSamplesBetween(ctx context.Context, watchID string, from, to time.Time) ([]PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PriceSample, 0)
	for _, s := range m.samples[watchID] {
		if !s.RecordedAt.Before(from) && s.RecordedAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// InsertNotification appends to the notification ledger.
func (m *MemoryStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNoteID++
	n.ID = m.nextNoteID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	m.notifications = append(m.notifications, n)
	return n, nil
}

// LatestNotification returns the newest notification of typ since the given time, or nil.
func (m *MemoryStore) LatestNotification(ctx context.Context, watchID string, typ NotificationType, since time.Time) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Notification
	for i := range m.notifications {
		n := m.notifications[i]
		if n.WatchID != watchID || n.Type != typ || n.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || n.CreatedAt.After(latest.CreatedAt) {
			found := n
			latest = &found
		}
	}
	return latest, nil
}

// ListRecentNotifications returns notifications newest first; an empty watchID matches all.
func (m *MemoryStore) ListRecentNotifications(ctx context.Context, watchID string, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, 0, limit)
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if watchID == "" || m.notifications[i].WatchID == watchID {
			out = append(out, m.notifications[i])
		}
	}
	return out, nil
}

// DeleteNotificationsBefore prunes ledger entries older than olderThan.
func (m *MemoryStore) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.notifications[:0]
	for _, n := range m.notifications {
		if !n.CreatedAt.Before(olderThan) {
			kept = append(kept, n)
		}
	}
	m.notifications = kept
	return nil
}

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*Store)(nil)
)
