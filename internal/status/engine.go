package status

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"attendly/internal/model"
	"attendly/internal/repo"
)

// EventStore is the slice of the repository the engine needs.
type EventStore interface {
	GetEventsByOwner(ctx context.Context, ownerID string) ([]model.Event, error)
	UpdateEvent(ctx context.Context, id string, patch repo.EventPatch) (*model.Event, error)
}

// Engine derives event lifecycle status from dates and times. An explicit
// cancellation always wins over anything the calendar says.
type Engine struct {
	store EventStore
	log   *zerolog.Logger
	now   func() time.Time
}

func NewEngine(store EventStore, log *zerolog.Logger) *Engine {
	return &Engine{store: store, log: log, now: time.Now}
}

// WithClock overrides the engine's clock. Tests use this to pin "now".
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Calculate(ev *model.Event) model.EventStatus {
	return calculateAt(ev, e.now())
}

func calculateAt(ev *model.Event, now time.Time) model.EventStatus {
	if ev.Status == model.EventCancelled {
		return model.EventCancelled
	}

	if _, err := time.Parse(model.DateLayout, ev.Date); err != nil {
		// no parseable date, nothing to derive from
		if ev.Status != "" {
			return ev.Status
		}
		return model.EventUpcoming
	}

	today := now.Format(model.DateLayout)
	switch {
	case ev.Date > today:
		return model.EventUpcoming
	case ev.Date < today:
		return model.EventCompleted
	}

	start, hasStart := model.ClockMinutes(ev.Time)
	if !hasStart {
		// no usable start time: the whole day counts as ongoing
		return model.EventOngoing
	}

	nowMin := now.Hour()*60 + now.Minute()
	if nowMin < start {
		return model.EventUpcoming
	}
	if end, hasEnd := model.ClockMinutes(ev.EndTime); hasEnd && nowMin >= end {
		return model.EventCompleted
	}
	return model.EventOngoing
}

// IsCheckable reports whether check-in actions make sense for the event:
// it must be happening today (or already ongoing) and not be in a terminal
// state.
func (e *Engine) IsCheckable(ev *model.Event) bool {
	derived := e.Calculate(ev)
	if derived == model.EventCancelled || derived == model.EventCompleted {
		return false
	}
	today := e.now().Format(model.DateLayout)
	return ev.Date == today || derived == model.EventOngoing
}

// AutoUpdateAll recomputes the status of every event the owner has and
// persists only the ones that changed. Running it twice back to back
// updates nothing on the second pass.
func (e *Engine) AutoUpdateAll(ctx context.Context, ownerID string) (int, error) {
	events, err := e.store.GetEventsByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range events {
		ev := &events[i]
		derived := e.Calculate(ev)
		if derived == ev.Status {
			continue
		}
		if _, err := e.store.UpdateEvent(ctx, ev.ID, repo.EventPatch{Status: &derived}); err != nil {
			e.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist derived status")
			continue
		}
		e.log.Info().
			Str("event_id", ev.ID).
			Str("from", string(ev.Status)).
			Str("to", string(derived)).
			Msg("event status updated")
		updated++
	}
	return updated, nil
}
