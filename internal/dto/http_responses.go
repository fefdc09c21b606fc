package dto

import (
	"time"

	"github.com/wb-go/wbf/ginext"

	"attendly/internal/model"
)

const (
	FieldBadFormat     = "FIELD_BADFORMAT"
	FieldIncorrect     = "FIELD_INCORRECT"
	ServiceUnavailable = "SERVICE_UNAVAILABLE"
	InternalError      = "Service is currently unavailable. Please try again later."

	EventNotFound            = "EVENT_NOT_FOUND"
	EventNotCheckable        = "EVENT_NOT_CHECKABLE"
	EventFull                = "EVENT_FULL"
	ParticipantNotFound      = "PARTICIPANT_NOT_FOUND"
	ParticipantNotRegistered = "PARTICIPANT_NOT_REGISTERED"
	RegistrationDuplicate    = "REGISTRATION_DUPLICATE"
	ScheduleConflict         = "SCHEDULE_CONFLICT"
	ConfirmationRequired     = "CONFIRMATION_REQUIRED"
	ScanUnreadable           = "SCAN_UNREADABLE"
)

type CreateEventRequest struct {
	OwnerID         string `json:"owner_id" validate:"required"`
	Name            string `json:"name" validate:"required,max=255"`
	Description     string `json:"description"`
	Location        string `json:"location"`
	Date            string `json:"date" validate:"required,eventdate"`
	Time            string `json:"time" validate:"omitempty,eventtime"`
	EndTime         string `json:"end_time" validate:"omitempty,eventtime"`
	MaxParticipants int    `json:"max_participants" validate:"gte=0"`
}

type RegisterRequest struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"required,max=255"`
	LastName  string `json:"last_name" validate:"max=255"`
	Phone     string `json:"phone"`
}

type ScanCheckInRequest struct {
	// Payload is the raw decoded QR string.
	Payload string `json:"payload" validate:"required"`
}

type ManualCheckInRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type UndoCheckInRequest struct {
	Confirm bool `json:"confirm"`
}

type RefreshStatusesRequest struct {
	OwnerID string `json:"owner_id" validate:"required"`
}

type EventDetailResponse struct {
	Event     *model.Event `json:"event"`
	Checkable bool         `json:"checkable"`
}

type ConflictResponse struct {
	HasConflict      bool         `json:"has_conflict"`
	ConflictingEvent *model.Event `json:"conflicting_event,omitempty"`
	// Degraded marks a fail-open answer produced while the store was
	// unreachable.
	Degraded bool `json:"conflict_check_degraded,omitempty"`
}

type CheckInResponse struct {
	Participant      *model.Participant `json:"participant"`
	AlreadyCheckedIn bool               `json:"already_checked_in"`
	Verified         bool               `json:"verified"`
}

type RosterResponse struct {
	EventID      string              `json:"event_id"`
	Participants []model.Participant `json:"participants"`
}

type RefreshStatusesResponse struct {
	Updated int `json:"updated"`
}

const (
	NotificationRegistered      = "participant_registered"
	NotificationCheckedIn       = "participant_checked_in"
	NotificationStatusesUpdated = "statuses_updated"
)

// NotificationMessage is the envelope published to RabbitMQ; exactly one
// of the payload fields is set, selected by Type.
type NotificationMessage struct {
	Type         string                       `json:"type"`
	Registration *RegistrationNotification    `json:"registration,omitempty"`
	CheckIn      *CheckInNotification         `json:"check_in,omitempty"`
	Statuses     *StatusesUpdatedNotification `json:"statuses,omitempty"`
	Timestamp    time.Time                    `json:"timestamp,omitempty"`
}

type RegistrationNotification struct {
	ParticipantID string `json:"participant_id"`
	EventID       string `json:"event_id"`
	EventName     string `json:"event_name"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name"`
}

type CheckInNotification struct {
	ParticipantID string    `json:"participant_id"`
	EventID       string    `json:"event_id"`
	EventName     string    `json:"event_name"`
	Email         string    `json:"email"`
	FirstName     string    `json:"first_name"`
	CheckedInAt   time.Time `json:"checked_in_at"`
}

type StatusesUpdatedNotification struct {
	OwnerID string    `json:"owner_id"`
	Updated int       `json:"updated"`
	At      time.Time `json:"at"`
}

type Response struct {
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type Error struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
}

func BadResponseError(c *ginext.Context, code, desc string) {
	c.JSON(400, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func NotFoundError(c *ginext.Context, code, desc string) {
	c.JSON(404, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func InternalServerError(c *ginext.Context) {
	c.JSON(500, Response{
		Status: "error",
		Error: &Error{
			Code: ServiceUnavailable,
			Desc: InternalError,
		},
	})
}

func EventNotFoundError(c *ginext.Context) {
	NotFoundError(c, EventNotFound, "Event not found")
}

func ParticipantNotFoundError(c *ginext.Context) {
	NotFoundError(c, ParticipantNotFound, "Participant not found")
}

func NotRegisteredError(c *ginext.Context) {
	NotFoundError(c, ParticipantNotRegistered, "Not registered for this event")
}

func EventFullError(c *ginext.Context) {
	BadResponseError(c, EventFull, "Event is full")
}

func DuplicateRegistrationError(c *ginext.Context) {
	BadResponseError(c, RegistrationDuplicate, "You have already registered for this event")
}

func SuccessResponse(c *ginext.Context, data any) {
	c.JSON(200, Response{
		Status: "ok",
		Data:   data,
	})
}

func SuccessCreatedResponse(c *ginext.Context, data any) {
	c.JSON(201, Response{
		Status: "ok",
		Data:   data,
	})
}
