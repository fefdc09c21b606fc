package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendly/internal/model"
	"attendly/internal/repo"
)

type fakeEventStore struct {
	events    map[string]*model.Event
	order     []string
	updates   int
	failFetch bool
}

func newFakeEventStore(events ...model.Event) *fakeEventStore {
	f := &fakeEventStore{events: make(map[string]*model.Event)}
	for i := range events {
		e := events[i]
		f.events[e.ID] = &e
		f.order = append(f.order, e.ID)
	}
	return f
}

func (f *fakeEventStore) GetEventsByOwner(_ context.Context, ownerID string) ([]model.Event, error) {
	if f.failFetch {
		return nil, errors.New("store unavailable")
	}
	var out []model.Event
	for _, id := range f.order {
		if f.events[id].OwnerID == ownerID {
			out = append(out, *f.events[id])
		}
	}
	return out, nil
}

func (f *fakeEventStore) UpdateEvent(_ context.Context, id string, patch repo.EventPatch) (*model.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, repo.ErrEventNotFound
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	f.updates++
	cp := *e
	return &cp, nil
}

var testLog = zerolog.Nop()

// fixed reference: 2025-06-01 10:30 local
func testClock() time.Time {
	return time.Date(2025, 6, 1, 10, 30, 0, 0, time.Local)
}

func newTestEngine(store EventStore) *Engine {
	return NewEngine(store, &testLog).WithClock(testClock)
}

func TestCalculate(t *testing.T) {
	engine := newTestEngine(newFakeEventStore())

	tests := []struct {
		name  string
		event model.Event
		want  model.EventStatus
	}{
		{"cancelled always wins", model.Event{Date: "2025-06-01", Time: "10:00", Status: model.EventCancelled}, model.EventCancelled},
		{"cancelled wins even in the future", model.Event{Date: "2099-01-01", Status: model.EventCancelled}, model.EventCancelled},
		{"future date", model.Event{Date: "2025-06-02"}, model.EventUpcoming},
		{"past date", model.Event{Date: "2025-05-31"}, model.EventCompleted},
		{"today before start", model.Event{Date: "2025-06-01", Time: "11:00"}, model.EventUpcoming},
		{"today within window", model.Event{Date: "2025-06-01", Time: "10:00", EndTime: "12:00"}, model.EventOngoing},
		{"today after end", model.Event{Date: "2025-06-01", Time: "08:00", EndTime: "10:00"}, model.EventCompleted},
		{"today started, no end", model.Event{Date: "2025-06-01", Time: "09:00"}, model.EventOngoing},
		{"today, twelve hour clock", model.Event{Date: "2025-06-01", Time: "9:00 AM", EndTime: "11:00 AM"}, model.EventOngoing},
		{"today, no usable time", model.Event{Date: "2025-06-01"}, model.EventOngoing},
		{"today, garbage time", model.Event{Date: "2025-06-01", Time: "sometime"}, model.EventOngoing},
		{"no parseable date keeps stored status", model.Event{Date: "", Status: model.EventOngoing}, model.EventOngoing},
		{"no date and no status", model.Event{}, model.EventUpcoming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.Calculate(&tt.event))
		})
	}
}

func TestCalculateIsDeterministic(t *testing.T) {
	engine := newTestEngine(newFakeEventStore())
	ev := model.Event{Date: "2025-06-01", Time: "10:00", EndTime: "12:00"}
	first := engine.Calculate(&ev)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, engine.Calculate(&ev))
	}
}

func TestIsCheckable(t *testing.T) {
	engine := newTestEngine(newFakeEventStore())

	tests := []struct {
		name  string
		event model.Event
		want  bool
	}{
		{"today upcoming", model.Event{Date: "2025-06-01", Time: "11:00"}, true},
		{"today ongoing", model.Event{Date: "2025-06-01", Time: "10:00"}, true},
		{"today completed", model.Event{Date: "2025-06-01", Time: "08:00", EndTime: "09:00"}, false},
		{"future event", model.Event{Date: "2025-06-02", Time: "10:00"}, false},
		{"past event", model.Event{Date: "2025-05-31", Time: "10:00"}, false},
		{"cancelled today", model.Event{Date: "2025-06-01", Time: "10:00", Status: model.EventCancelled}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.IsCheckable(&tt.event))
		})
	}
}

func TestAutoUpdateAll(t *testing.T) {
	store := newFakeEventStore(
		model.Event{ID: "e1", OwnerID: "owner", Date: "2025-05-31", Status: model.EventUpcoming},   // stale: should become completed
		model.Event{ID: "e2", OwnerID: "owner", Date: "2025-06-01", Time: "10:00", Status: model.EventUpcoming}, // should become ongoing
		model.Event{ID: "e3", OwnerID: "owner", Date: "2025-06-02", Status: model.EventUpcoming},   // already correct
		model.Event{ID: "e4", OwnerID: "owner", Date: "2025-05-30", Status: model.EventCancelled},  // cancelled stays
		model.Event{ID: "e5", OwnerID: "other", Date: "2025-05-31", Status: model.EventUpcoming},   // different owner
	)
	engine := newTestEngine(store)

	updated, err := engine.AutoUpdateAll(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, 2, updated)
	assert.Equal(t, model.EventCompleted, store.events["e1"].Status)
	assert.Equal(t, model.EventOngoing, store.events["e2"].Status)
	assert.Equal(t, model.EventUpcoming, store.events["e3"].Status)
	assert.Equal(t, model.EventCancelled, store.events["e4"].Status)
	assert.Equal(t, model.EventUpcoming, store.events["e5"].Status)

	// second pass is a no-op
	updated, err = engine.AutoUpdateAll(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
	assert.Equal(t, 2, store.updates)
}

func TestAutoUpdateAllFetchError(t *testing.T) {
	store := newFakeEventStore()
	store.failFetch = true
	engine := newTestEngine(store)

	updated, err := engine.AutoUpdateAll(context.Background(), "owner")
	assert.Error(t, err)
	assert.Equal(t, 0, updated)
}
