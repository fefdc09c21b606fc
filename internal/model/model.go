package model

import "time"

type EventStatus string

const (
	EventUpcoming  EventStatus = "upcoming"
	EventOngoing   EventStatus = "ongoing"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
)

type ParticipantStatus string

const (
	ParticipantRegistered ParticipantStatus = "registered"
	ParticipantAttended   ParticipantStatus = "attended"
	ParticipantCancelled  ParticipantStatus = "cancelled"
)

// legacy value still present in older rows
const legacyCheckedIn = "checked-in"

// NormalizeParticipantStatus maps raw store values onto the closed enum.
// Older rows carry "checked-in" instead of "attended" and some carry an
// empty status for active registrations.
func NormalizeParticipantStatus(raw string) ParticipantStatus {
	switch raw {
	case legacyCheckedIn, string(ParticipantAttended):
		return ParticipantAttended
	case string(ParticipantCancelled):
		return ParticipantCancelled
	default:
		return ParticipantRegistered
	}
}

type Event struct {
	ID              string      `db:"id" json:"id"`
	OwnerID         string      `db:"owner_id" json:"owner_id"`
	Name            string      `db:"name" json:"name"`
	Description     string      `db:"description,omitempty" json:"description,omitempty"`
	Location        string      `db:"location,omitempty" json:"location,omitempty"`
	Date            string      `db:"event_date" json:"date"`
	Time            string      `db:"event_time,omitempty" json:"time,omitempty"`
	EndTime         string      `db:"end_time,omitempty" json:"end_time,omitempty"`
	Status          EventStatus `db:"status" json:"status"`
	MaxParticipants int         `db:"max_participants" json:"max_participants"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

type Participant struct {
	ID          string     `db:"id" json:"id"`
	EventID     string     `db:"event_id" json:"event_id"`
	UserID      *string    `db:"user_id" json:"user_id,omitempty"`
	Email       string     `db:"email" json:"email"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	Phone       string     `db:"phone,omitempty" json:"phone,omitempty"`
	Status      string     `db:"status" json:"status"`
	CheckedInAt *time.Time `db:"checked_in_at" json:"checked_in_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Participant) FullName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// IsCheckedIn reports whether the participant counts as attended. A non-nil
// checked_in_at wins even when the status string was never migrated.
func (p *Participant) IsCheckedIn() bool {
	if p.CheckedInAt != nil {
		return true
	}
	return NormalizeParticipantStatus(p.Status) == ParticipantAttended
}

// CheckInTime is the display timestamp for sorting the checked-in list.
// It falls back to updated_at and finally to "now" so it is never zero.
func (p *Participant) CheckInTime(now time.Time) time.Time {
	if p.CheckedInAt != nil {
		return *p.CheckedInAt
	}
	if !p.UpdatedAt.IsZero() {
		return p.UpdatedAt
	}
	return now
}

// ActiveRegistration pairs one of a user's registrations with its event,
// as returned by the store for conflict checks.
type ActiveRegistration struct {
	Event  Event
	Status string
}

// IsActive treats a legacy empty status as registered.
func (a *ActiveRegistration) IsActive() bool {
	return NormalizeParticipantStatus(a.Status) == ParticipantRegistered
}
