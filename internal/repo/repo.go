package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"attendly/internal/model"
)

var (
	ErrEventNotFound         = errors.New("event not found")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrEventFull             = errors.New("event is full")
	ErrDuplicateRegistration = errors.New("duplicate registration")
)

// EventPatch is a partial update for an event row. Nil fields are left as-is.
type EventPatch struct {
	Name            *string
	Description     *string
	Location        *string
	Date            *string
	Time            *string
	EndTime         *string
	Status          *model.EventStatus
	MaxParticipants *int
}

// ParticipantPatch is a partial update for a participant row.
// ClearCheckedInAt sets checked_in_at to NULL; it takes precedence over
// CheckedInAt.
type ParticipantPatch struct {
	Status           *model.ParticipantStatus
	CheckedInAt      *time.Time
	ClearCheckedInAt bool
}

type Repository interface {
	CreateEvent(ctx context.Context, e *model.Event) (string, error)
	GetEventByID(ctx context.Context, id string) (*model.Event, error)
	GetEventsByOwner(ctx context.Context, ownerID string) ([]model.Event, error)
	UpdateEvent(ctx context.Context, id string, patch EventPatch) (*model.Event, error)
	GetRoster(ctx context.Context, eventID string) ([]model.Participant, error)
	GetParticipantByID(ctx context.Context, id string) (*model.Participant, error)
	GetActiveRegistrations(ctx context.Context, userID, excludingEventID string) ([]model.ActiveRegistration, error)
	UpdateParticipant(ctx context.Context, id string, patch ParticipantPatch) (*model.Participant, error)
	InsertParticipant(ctx context.Context, p *model.Participant) (*model.Participant, error)
	CountActiveParticipants(ctx context.Context, eventID string) (int, error)
	MigrateUp(migrationsDir string) error
	MigrateDown(migrationsDir string) error
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

// IsUndefinedColumn reports whether err is Postgres complaining about a
// column that does not exist (SQLSTATE 42703). The check-in flow uses this
// to detect stores that predate the checked_in_at column.
func IsUndefinedColumn(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42703"
	}
	return false
}

func (r *repository) MigrateUp(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := ioutil.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations applied successfully from %s", migrationsDir)
	return nil
}

func (r *repository) MigrateDown(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return fmt.Errorf("failed to read rollback files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := ioutil.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read rollback file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations rolled back successfully from %s", migrationsDir)
	return nil
}

func (r *repository) CreateEvent(ctx context.Context, e *model.Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = model.EventUpcoming
	}

	query := `
		INSERT INTO events (id, owner_id, name, description, location, event_date, event_time, end_time, status, max_participants)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
		RETURNING id
	`

	row := r.db.QueryRowContext(ctx, query,
		e.ID, e.OwnerID, e.Name, e.Description, e.Location,
		e.Date, e.Time, e.EndTime, string(e.Status), e.MaxParticipants,
	)

	var id string
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

const eventColumns = `
	id, owner_id, name, COALESCE(description, ''), COALESCE(location, ''),
	event_date, COALESCE(event_time, ''), COALESCE(end_time, ''),
	COALESCE(status, 'upcoming'), COALESCE(max_participants, 0),
	created_at, updated_at
`

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var e model.Event
	var status string
	if err := row.Scan(
		&e.ID, &e.OwnerID, &e.Name, &e.Description, &e.Location,
		&e.Date, &e.Time, &e.EndTime, &status, &e.MaxParticipants,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Status = model.EventStatus(status)
	return &e, nil
}

func (r *repository) GetEventByID(ctx context.Context, id string) (*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	e, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

func (r *repository) GetEventsByOwner(ctx context.Context, ownerID string) ([]model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE owner_id = $1 ORDER BY event_date, event_time`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (r *repository) UpdateEvent(ctx context.Context, id string, patch EventPatch) (*model.Event, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Name != nil {
		set = append(set, "name = "+arg(*patch.Name))
	}
	if patch.Description != nil {
		set = append(set, "description = "+arg(*patch.Description))
	}
	if patch.Location != nil {
		set = append(set, "location = "+arg(*patch.Location))
	}
	if patch.Date != nil {
		set = append(set, "event_date = "+arg(*patch.Date))
	}
	if patch.Time != nil {
		set = append(set, "event_time = NULLIF("+arg(*patch.Time)+", '')")
	}
	if patch.EndTime != nil {
		set = append(set, "end_time = NULLIF("+arg(*patch.EndTime)+", '')")
	}
	if patch.Status != nil {
		set = append(set, "status = "+arg(string(*patch.Status)))
	}
	if patch.MaxParticipants != nil {
		set = append(set, "max_participants = "+arg(*patch.MaxParticipants))
	}

	query := `UPDATE events SET ` + strings.Join(set, ", ") +
		` WHERE id = ` + arg(id) + ` RETURNING ` + eventColumns

	e, err := scanEvent(r.db.Master.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to update event: %w", err)
	}
	return e, nil
}

const participantColumns = `
	id, event_id, user_id, email, COALESCE(first_name, ''), COALESCE(last_name, ''),
	COALESCE(phone, ''), COALESCE(status, ''), checked_in_at, created_at, updated_at
`

func scanParticipant(row interface{ Scan(...any) error }) (*model.Participant, error) {
	var p model.Participant
	var userID sql.NullString
	var checkedInAt sql.NullTime
	if err := row.Scan(
		&p.ID, &p.EventID, &userID, &p.Email, &p.FirstName, &p.LastName,
		&p.Phone, &p.Status, &checkedInAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if userID.Valid {
		p.UserID = &userID.String
	}
	if checkedInAt.Valid {
		t := checkedInAt.Time
		p.CheckedInAt = &t
	}
	return &p, nil
}

func (r *repository) GetRoster(ctx context.Context, eventID string) ([]model.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE event_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get roster: %w", err)
	}
	defer rows.Close()

	var roster []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		roster = append(roster, *p)
	}
	return roster, rows.Err()
}

func (r *repository) GetParticipantByID(ctx context.Context, id string) (*model.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`
	p, err := scanParticipant(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

func (r *repository) GetActiveRegistrations(ctx context.Context, userID, excludingEventID string) ([]model.ActiveRegistration, error) {
	query := `
		SELECT e.id, e.owner_id, e.name, COALESCE(e.description, ''), COALESCE(e.location, ''),
		       e.event_date, COALESCE(e.event_time, ''), COALESCE(e.end_time, ''),
		       COALESCE(e.status, 'upcoming'), COALESCE(e.max_participants, 0),
		       e.created_at, e.updated_at,
		       COALESCE(p.status, '')
		FROM participants p
		JOIN events e ON e.id = p.event_id
		WHERE p.user_id = $1
		  AND p.event_id != $2
		  AND (p.status IS NULL OR p.status IN ('', 'registered'))
	`

	rows, err := r.db.QueryContext(ctx, query, userID, excludingEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.ActiveRegistration
	for rows.Next() {
		var reg model.ActiveRegistration
		var status string
		if err := rows.Scan(
			&reg.Event.ID, &reg.Event.OwnerID, &reg.Event.Name, &reg.Event.Description,
			&reg.Event.Location, &reg.Event.Date, &reg.Event.Time, &reg.Event.EndTime,
			&status, &reg.Event.MaxParticipants,
			&reg.Event.CreatedAt, &reg.Event.UpdatedAt,
			&reg.Status,
		); err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		reg.Event.Status = model.EventStatus(status)
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (r *repository) UpdateParticipant(ctx context.Context, id string, patch ParticipantPatch) (*model.Participant, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		set = append(set, "status = "+arg(string(*patch.Status)))
	}
	if patch.ClearCheckedInAt {
		set = append(set, "checked_in_at = NULL")
	} else if patch.CheckedInAt != nil {
		set = append(set, "checked_in_at = "+arg(*patch.CheckedInAt))
	}

	query := `UPDATE participants SET ` + strings.Join(set, ", ") +
		` WHERE id = ` + arg(id) + ` RETURNING ` + participantColumns

	p, err := scanParticipant(r.db.Master.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to update participant: %w", err)
	}
	return p, nil
}

func (r *repository) InsertParticipant(ctx context.Context, p *model.Participant) (*model.Participant, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO participants (id, event_id, user_id, email, first_name, last_name, phone, status, checked_in_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + participantColumns

	var userID any
	if p.UserID != nil {
		userID = *p.UserID
	}
	var checkedInAt any
	if p.CheckedInAt != nil {
		checkedInAt = *p.CheckedInAt
	}

	inserted, err := scanParticipant(r.db.Master.QueryRowContext(ctx, query,
		p.ID, p.EventID, userID, p.Email, p.FirstName, p.LastName, p.Phone, p.Status, checkedInAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert participant: %w", err)
	}
	return inserted, nil
}

func (r *repository) CountActiveParticipants(ctx context.Context, eventID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM participants
		WHERE event_id = $1 AND (status IS NULL OR status != 'cancelled')
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, eventID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return count, nil
}
