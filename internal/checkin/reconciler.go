package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"attendly/internal/model"
	"attendly/internal/repo"
)

var (
	ErrRosterNotLoaded = errors.New("no roster loaded")
	ErrNotInRoster     = errors.New("participant not in loaded roster")
)

// RosterStore is the slice of the repository the reconciler needs.
type RosterStore interface {
	GetRoster(ctx context.Context, eventID string) ([]model.Participant, error)
	GetParticipantByID(ctx context.Context, id string) (*model.Participant, error)
	UpdateParticipant(ctx context.Context, id string, patch repo.ParticipantPatch) (*model.Participant, error)
	InsertParticipant(ctx context.Context, p *model.Participant) (*model.Participant, error)
}

// Identity is what a manual (walk-in) check-in supplies instead of a scan.
type Identity struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

type CheckInResult struct {
	Participant      *model.Participant
	AlreadyCheckedIn bool
	// Verified is false when the post-write re-read never confirmed the
	// attended state and the locally constructed value was returned.
	Verified bool
}

// Reconciler drives the check-in workflow for one selected event. The
// roster is fetched once per event selection and acts as the matching
// cache; the store stays the source of truth and a forced reload always
// reproduces the same state.
type Reconciler struct {
	store  RosterStore
	log    *zerolog.Logger
	now    func() time.Time
	verify retry.Strategy

	mu      sync.Mutex
	eventID string
	roster  []*model.Participant
}

func NewReconciler(store RosterStore, log *zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		log:    log,
		now:    time.Now,
		verify: retry.Strategy{Attempts: 3, Delay: 150 * time.Millisecond, Backoff: 2},
	}
}

// WithClock overrides the reconciler's clock. Tests use this to pin "now".
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// LoadRoster fetches the roster for the event. Selecting the same event
// again returns the cached roster untouched so optimistic in-memory updates
// are not clobbered by a stale read; use ReloadRoster for a forced refresh.
func (r *Reconciler) LoadRoster(ctx context.Context, eventID string) ([]model.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eventID == r.eventID && r.roster != nil {
		return r.snapshot(), nil
	}
	if err := r.fetchLocked(ctx, eventID); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// ReloadRoster re-fetches the roster for the currently selected event.
func (r *Reconciler) ReloadRoster(ctx context.Context) ([]model.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eventID == "" {
		return nil, ErrRosterNotLoaded
	}
	if err := r.fetchLocked(ctx, r.eventID); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// RefreshRoster forces a fetch for the event even when it is already the
// selected one, picking up registrations made since the last load.
func (r *Reconciler) RefreshRoster(ctx context.Context, eventID string) ([]model.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fetchLocked(ctx, eventID); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

func (r *Reconciler) fetchLocked(ctx context.Context, eventID string) error {
	roster, err := r.store.GetRoster(ctx, eventID)
	if err != nil {
		return fmt.Errorf("fetch roster: %w", err)
	}
	r.eventID = eventID
	r.roster = make([]*model.Participant, len(roster))
	for i := range roster {
		p := roster[i]
		r.roster[i] = &p
	}
	return nil
}

func (r *Reconciler) snapshot() []model.Participant {
	out := make([]model.Participant, len(r.roster))
	for i, p := range r.roster {
		out[i] = *p
	}
	return out
}

func (r *Reconciler) findLocked(id string) *model.Participant {
	for _, p := range r.roster {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *Reconciler) findByEmailLocked(email string) *model.Participant {
	for _, p := range r.roster {
		if strings.EqualFold(p.Email, email) {
			return p
		}
	}
	return nil
}

// MatchScan resolves a decoded QR payload against the cached roster, by
// user id or case-insensitive email. A nil result means the person is not
// registered for this event; the caller must say so, never ignore it.
func (r *Reconciler) MatchScan(payload model.ScanPayload) *model.Participant {
	if payload.Type != model.ScanUserProfile {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.roster {
		if payload.UserID != "" && p.UserID != nil && *p.UserID == payload.UserID {
			cp := *p
			return &cp
		}
		if payload.Email != "" && strings.EqualFold(p.Email, payload.Email) {
			cp := *p
			return &cp
		}
	}
	return nil
}

// CheckIn marks the participant attended, exactly once. A second call for
// an already-attended participant is a no-op signalled through
// AlreadyCheckedIn, not an error. On any write failure the cache is left
// untouched. The lock is not held across the write and verification so a
// slow store never stalls scans or list reads; a duplicate terminal write
// from two racing calls is harmless.
func (r *Reconciler) CheckIn(ctx context.Context, participantID string) (*CheckInResult, error) {
	r.mu.Lock()
	cached := r.findLocked(participantID)
	if cached == nil {
		r.mu.Unlock()
		return nil, ErrNotInRoster
	}
	if cached.IsCheckedIn() {
		cp := *cached
		r.mu.Unlock()
		return &CheckInResult{Participant: &cp, AlreadyCheckedIn: true, Verified: true}, nil
	}
	r.mu.Unlock()

	checkedAt := r.now()
	updated, err := r.writeCheckIn(ctx, participantID, checkedAt)
	if err != nil {
		return nil, err
	}

	final, verified := r.verifyCheckIn(ctx, participantID, updated)
	if final.CheckedInAt == nil {
		// store without the column: keep the synthetic timestamp
		final.CheckedInAt = &checkedAt
	}

	r.mu.Lock()
	if cached := r.findLocked(participantID); cached != nil {
		*cached = *final
	}
	r.mu.Unlock()

	cp := *final
	return &CheckInResult{Participant: &cp, Verified: verified}, nil
}

// writeCheckIn issues the status+timestamp update, falling back to a
// status-only patch when the store predates the checked_in_at column.
func (r *Reconciler) writeCheckIn(ctx context.Context, participantID string, checkedAt time.Time) (*model.Participant, error) {
	attended := model.ParticipantAttended
	updated, err := r.store.UpdateParticipant(ctx, participantID, repo.ParticipantPatch{
		Status:      &attended,
		CheckedInAt: &checkedAt,
	})
	if err == nil {
		return updated, nil
	}
	if !repo.IsUndefinedColumn(err) {
		return nil, fmt.Errorf("check-in write failed: %w", err)
	}

	r.log.Warn().Err(err).Str("participant_id", participantID).
		Msg("store has no checked_in_at column, retrying with status only")
	updated, err = r.store.UpdateParticipant(ctx, participantID, repo.ParticipantPatch{Status: &attended})
	if err != nil {
		return nil, fmt.Errorf("check-in fallback write failed: %w", err)
	}
	updated.CheckedInAt = &checkedAt
	return updated, nil
}

// verifyCheckIn re-reads the record until the attended state is visible.
// The write already happened, so exhausting the retries degrades to the
// optimistic value instead of failing the operation.
func (r *Reconciler) verifyCheckIn(ctx context.Context, participantID string, optimistic *model.Participant) (*model.Participant, bool) {
	var fresh *model.Participant
	err := retry.Do(func() error {
		p, err := r.store.GetParticipantByID(ctx, participantID)
		if err != nil {
			return err
		}
		if model.NormalizeParticipantStatus(p.Status) != model.ParticipantAttended {
			return fmt.Errorf("check-in not yet visible for %s", participantID)
		}
		fresh = p
		return nil
	}, r.verify)
	if err != nil {
		r.log.Warn().Err(err).Str("participant_id", participantID).
			Msg("check-in verification exhausted retries, returning optimistic state")
		return optimistic, false
	}
	return fresh, true
}

// ManualCheckIn checks in by identity instead of scan. An existing roster
// entry with the same email (case-insensitive) is updated; otherwise a
// walk-in participant is created already attended. It never inserts a
// duplicate for a known email: a cache miss is re-checked against the
// store, since registrations can land after the roster was loaded.
func (r *Reconciler) ManualCheckIn(ctx context.Context, eventID string, identity Identity) (*CheckInResult, error) {
	r.mu.Lock()
	if eventID != r.eventID || r.roster == nil {
		if err := r.fetchLocked(ctx, eventID); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	existing := r.findByEmailLocked(identity.Email)
	r.mu.Unlock()

	if existing == nil {
		fresh, err := r.lookupStoreByEmail(ctx, eventID, identity.Email)
		if err != nil {
			return nil, err
		}
		if fresh != nil {
			r.mu.Lock()
			if r.eventID == eventID && r.findLocked(fresh.ID) == nil {
				cp := *fresh
				r.roster = append(r.roster, &cp)
			}
			r.mu.Unlock()
			existing = fresh
		}
	}

	if existing != nil {
		return r.CheckIn(ctx, existing.ID)
	}

	checkedAt := r.now()
	walkIn := &model.Participant{
		EventID:     eventID,
		Email:       identity.Email,
		FirstName:   identity.FirstName,
		LastName:    identity.LastName,
		Phone:       identity.Phone,
		Status:      string(model.ParticipantAttended),
		CheckedInAt: &checkedAt,
	}
	inserted, err := r.store.InsertParticipant(ctx, walkIn)
	if err != nil {
		return nil, fmt.Errorf("walk-in insert failed: %w", err)
	}
	if inserted.CheckedInAt == nil {
		inserted.CheckedInAt = &checkedAt
	}

	r.mu.Lock()
	if r.eventID == eventID {
		r.roster = append(r.roster, inserted)
	}
	r.mu.Unlock()

	r.log.Info().Str("participant_id", inserted.ID).Str("event_id", eventID).Msg("walk-in checked in")
	cp := *inserted
	return &CheckInResult{Participant: &cp, Verified: true}, nil
}

// lookupStoreByEmail reads the roster straight from the store, without
// touching the cache, and returns the first entry with the email.
func (r *Reconciler) lookupStoreByEmail(ctx context.Context, eventID, email string) (*model.Participant, error) {
	roster, err := r.store.GetRoster(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	for i := range roster {
		if strings.EqualFold(roster[i].Email, email) {
			p := roster[i]
			return &p, nil
		}
	}
	return nil, nil
}

// UndoCheckIn returns the participant to registered and clears the
// check-in timestamp. The attendee has to be rescanned afterwards, so the
// HTTP layer demands explicit confirmation before calling this.
func (r *Reconciler) UndoCheckIn(ctx context.Context, participantID string) (*model.Participant, error) {
	registered := model.ParticipantRegistered
	updated, err := r.store.UpdateParticipant(ctx, participantID, repo.ParticipantPatch{
		Status:           &registered,
		ClearCheckedInAt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("uncheck write failed: %w", err)
	}

	r.mu.Lock()
	if cached := r.findLocked(participantID); cached != nil {
		*cached = *updated
	}
	r.mu.Unlock()

	cp := *updated
	return &cp, nil
}
