package conflict

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"attendly/internal/model"
)

// RegistrationStore is the slice of the repository the detector needs.
type RegistrationStore interface {
	GetEventByID(ctx context.Context, id string) (*model.Event, error)
	GetActiveRegistrations(ctx context.Context, userID, excludingEventID string) ([]model.ActiveRegistration, error)
}

// Result of a double-booking check. Degraded means the store failed and the
// check fell open: HasConflict is false but the answer is best-effort only.
type Result struct {
	HasConflict      bool
	ConflictingEvent *model.Event
	Degraded         bool
}

// Detector finds double-bookings: a user holding another active
// registration at the same date and time as the candidate event.
type Detector struct {
	store RegistrationStore
	log   *zerolog.Logger
}

func NewDetector(store RegistrationStore, log *zerolog.Logger) *Detector {
	return &Detector{store: store, log: log}
}

// Check never blocks a registration on store failure: errors are returned
// for logging but the result fails open. Events without a date or time
// cannot conflict with anything.
func (d *Detector) Check(ctx context.Context, userID, eventID string) (Result, error) {
	candidate, err := d.store.GetEventByID(ctx, eventID)
	if err != nil {
		d.log.Warn().Err(err).Str("event_id", eventID).Msg("conflict check degraded: candidate fetch failed")
		return Result{Degraded: true}, fmt.Errorf("fetch candidate event: %w", err)
	}

	if candidate.Date == "" || candidate.Time == "" {
		return Result{}, nil
	}
	candidateClock, ok := model.NormalizeClock(candidate.Time)
	if !ok {
		return Result{}, nil
	}

	regs, err := d.store.GetActiveRegistrations(ctx, userID, eventID)
	if err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("conflict check degraded: registrations fetch failed")
		return Result{Degraded: true}, fmt.Errorf("fetch active registrations: %w", err)
	}

	for i := range regs {
		reg := &regs[i]
		if !reg.IsActive() {
			continue
		}
		if reg.Event.Date != candidate.Date {
			continue
		}
		clock, ok := model.NormalizeClock(reg.Event.Time)
		if !ok || clock != candidateClock {
			continue
		}
		ev := reg.Event
		return Result{HasConflict: true, ConflictingEvent: &ev}, nil
	}
	return Result{}, nil
}
