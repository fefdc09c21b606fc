package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"attendly/internal/checkin"
	"attendly/internal/conflict"
	"attendly/internal/dto"
	"attendly/internal/model"
	"attendly/internal/rabbit"
	"attendly/internal/repo"
	"attendly/internal/status"
	"attendly/pkg/validator"
)

type Service interface {
	CreateEvent(ctx *ginext.Context)
	GetEvent(ctx *ginext.Context)
	GetEventsByOwner(ctx *ginext.Context)
	Register(ctx *ginext.Context)
	CheckConflict(ctx *ginext.Context)
	GetRoster(ctx *ginext.Context)
	RefreshRoster(ctx *ginext.Context)
	ScanCheckIn(ctx *ginext.Context)
	ManualCheckIn(ctx *ginext.Context)
	CheckedInList(ctx *ginext.Context)
	UndoCheckIn(ctx *ginext.Context)
	RefreshStatuses(ctx *ginext.Context)
}

type service struct {
	repo       repo.Repository
	engine     *status.Engine
	detector   *conflict.Detector
	reconciler *checkin.Reconciler
	log        *zerolog.Logger
	rbt        rabbit.Publisher
}

func NewService(
	repository repo.Repository,
	engine *status.Engine,
	detector *conflict.Detector,
	reconciler *checkin.Reconciler,
	logger *zerolog.Logger,
	rbt rabbit.Publisher,
) Service {
	return &service{
		repo:       repository,
		engine:     engine,
		detector:   detector,
		reconciler: reconciler,
		log:        logger,
		rbt:        rbt,
	}
}

func (s *service) CreateEvent(ctx *ginext.Context) {
	var req dto.CreateEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse create event request")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		s.log.Error().Msgf("validation failed: %v", verr)
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event := &model.Event{
		OwnerID:         req.OwnerID,
		Name:            req.Name,
		Description:     req.Description,
		Location:        req.Location,
		Date:            req.Date,
		Time:            req.Time,
		EndTime:         req.EndTime,
		MaxParticipants: req.MaxParticipants,
	}
	event.Status = s.engine.Calculate(event)

	id, err := s.repo.CreateEvent(ctx.Request.Context(), event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create event in DB")
		dto.InternalServerError(ctx)
		return
	}

	created, err := s.repo.GetEventByID(ctx.Request.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read back created event")
		dto.InternalServerError(ctx)
		return
	}

	s.log.Info().Str("event_id", id).Msg("event created successfully")
	dto.SuccessCreatedResponse(ctx, created)
}

func (s *service) GetEvent(ctx *ginext.Context) {
	id := ctx.Param("id")

	event, err := s.repo.GetEventByID(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrEventNotFound) {
			dto.EventNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to get event")
		dto.InternalServerError(ctx)
		return
	}

	event.Status = s.engine.Calculate(event)
	dto.SuccessResponse(ctx, dto.EventDetailResponse{
		Event:     event,
		Checkable: s.engine.IsCheckable(event),
	})
}

func (s *service) GetEventsByOwner(ctx *ginext.Context) {
	ownerID := ctx.Query("owner_id")
	if ownerID == "" {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "owner_id query parameter is required")
		return
	}

	events, err := s.repo.GetEventsByOwner(ctx.Request.Context(), ownerID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get events by owner")
		dto.InternalServerError(ctx)
		return
	}

	for i := range events {
		events[i].Status = s.engine.Calculate(&events[i])
	}
	dto.SuccessResponse(ctx, events)
}

func (s *service) Register(ctx *ginext.Context) {
	eventID := ctx.Param("id")

	var req dto.RegisterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event, err := s.repo.GetEventByID(ctx.Request.Context(), eventID)
	if err != nil {
		if errors.Is(err, repo.ErrEventNotFound) {
			dto.EventNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to fetch event for registration")
		dto.InternalServerError(ctx)
		return
	}

	if event.MaxParticipants > 0 {
		count, err := s.repo.CountActiveParticipants(ctx.Request.Context(), eventID)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to count participants")
			dto.InternalServerError(ctx)
			return
		}
		if count >= event.MaxParticipants {
			dto.EventFullError(ctx)
			return
		}
	}

	roster, err := s.repo.GetRoster(ctx.Request.Context(), eventID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch roster for duplicate check")
		dto.InternalServerError(ctx)
		return
	}
	for i := range roster {
		p := &roster[i]
		if strings.EqualFold(p.Email, req.Email) &&
			model.NormalizeParticipantStatus(p.Status) != model.ParticipantCancelled {
			dto.DuplicateRegistrationError(ctx)
			return
		}
	}

	// conflict detection fails open: a degraded check never blocks the
	// registration, it is only logged
	if req.UserID != "" {
		result, err := s.detector.Check(ctx.Request.Context(), req.UserID, eventID)
		if err != nil {
			s.log.Warn().Err(err).Msg("conflict check degraded during registration")
		}
		if result.HasConflict {
			desc := "You already have a registration at this date and time"
			if result.ConflictingEvent != nil {
				desc = fmt.Sprintf("You are already registered for %q at the same date and time", result.ConflictingEvent.Name)
			}
			dto.BadResponseError(ctx, dto.ScheduleConflict, desc)
			return
		}
	}

	participant := &model.Participant{
		EventID:   eventID,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Status:    string(model.ParticipantRegistered),
	}
	if req.UserID != "" {
		participant.UserID = &req.UserID
	}

	inserted, err := s.repo.InsertParticipant(ctx.Request.Context(), participant)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to insert registration")
		dto.InternalServerError(ctx)
		return
	}

	s.log.Info().Str("participant_id", inserted.ID).Str("event_id", eventID).Msg("registration created successfully")
	s.publish(dto.NotificationMessage{
		Type: dto.NotificationRegistered,
		Registration: &dto.RegistrationNotification{
			ParticipantID: inserted.ID,
			EventID:       eventID,
			EventName:     event.Name,
			Email:         inserted.Email,
			FirstName:     inserted.FirstName,
		},
		Timestamp: time.Now(),
	})

	dto.SuccessCreatedResponse(ctx, inserted)
}

func (s *service) CheckConflict(ctx *ginext.Context) {
	eventID := ctx.Param("id")
	userID := ctx.Query("user_id")
	if userID == "" {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "user_id query parameter is required")
		return
	}

	result, err := s.detector.Check(ctx.Request.Context(), userID, eventID)
	if err != nil {
		s.log.Warn().Err(err).Msg("conflict check degraded")
	}

	dto.SuccessResponse(ctx, dto.ConflictResponse{
		HasConflict:      result.HasConflict,
		ConflictingEvent: result.ConflictingEvent,
		Degraded:         result.Degraded,
	})
}

func (s *service) GetRoster(ctx *ginext.Context) {
	eventID := ctx.Param("id")

	roster, err := s.reconciler.LoadRoster(ctx.Request.Context(), eventID)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("failed to load roster")
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, dto.RosterResponse{EventID: eventID, Participants: roster})
}

// RefreshRoster forces a re-read from the store, so registrations made
// after the roster was first loaded become scannable.
func (s *service) RefreshRoster(ctx *ginext.Context) {
	eventID := ctx.Param("id")

	roster, err := s.reconciler.RefreshRoster(ctx.Request.Context(), eventID)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("failed to refresh roster")
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, dto.RosterResponse{EventID: eventID, Participants: roster})
}

func (s *service) ScanCheckIn(ctx *ginext.Context) {
	eventID := ctx.Param("id")

	var req dto.ScanCheckInRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event, ok := s.checkableEvent(ctx, eventID)
	if !ok {
		return
	}

	if _, err := s.reconciler.LoadRoster(ctx.Request.Context(), eventID); err != nil {
		s.log.Error().Err(err).Msg("failed to load roster for scan")
		dto.InternalServerError(ctx)
		return
	}

	payload := model.ParseScanPayload(req.Payload)
	if payload.Type == model.ScanUnknown {
		dto.BadResponseError(ctx, dto.ScanUnreadable, "QR payload could not be decoded")
		return
	}

	match := s.reconciler.MatchScan(payload)
	if match == nil {
		dto.NotRegisteredError(ctx)
		return
	}

	result, err := s.reconciler.CheckIn(ctx.Request.Context(), match.ID)
	if err != nil {
		s.log.Error().Err(err).Str("participant_id", match.ID).Msg("check-in failed")
		dto.InternalServerError(ctx)
		return
	}

	if !result.AlreadyCheckedIn {
		s.publishCheckIn(event, result.Participant)
	}

	dto.SuccessResponse(ctx, dto.CheckInResponse{
		Participant:      result.Participant,
		AlreadyCheckedIn: result.AlreadyCheckedIn,
		Verified:         result.Verified,
	})
}

func (s *service) ManualCheckIn(ctx *ginext.Context) {
	eventID := ctx.Param("id")

	var req dto.ManualCheckInRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event, ok := s.checkableEvent(ctx, eventID)
	if !ok {
		return
	}

	result, err := s.reconciler.ManualCheckIn(ctx.Request.Context(), eventID, checkin.Identity{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("manual check-in failed")
		dto.InternalServerError(ctx)
		return
	}

	if !result.AlreadyCheckedIn {
		s.publishCheckIn(event, result.Participant)
	}

	dto.SuccessResponse(ctx, dto.CheckInResponse{
		Participant:      result.Participant,
		AlreadyCheckedIn: result.AlreadyCheckedIn,
		Verified:         result.Verified,
	})
}

func (s *service) CheckedInList(ctx *ginext.Context) {
	eventID := ctx.Param("id")

	if _, err := s.reconciler.LoadRoster(ctx.Request.Context(), eventID); err != nil {
		s.log.Error().Err(err).Msg("failed to load roster for checked-in list")
		dto.InternalServerError(ctx)
		return
	}

	opts := checkin.ListOptions{
		Query:  ctx.Query("q"),
		SortBy: checkin.SortField(ctx.DefaultQuery("sort", string(checkin.SortByTime))),
		Desc:   ctx.Query("order") == "desc",
	}

	dto.SuccessResponse(ctx, s.reconciler.CheckedInList(opts))
}

func (s *service) UndoCheckIn(ctx *ginext.Context) {
	participantID := ctx.Param("id")

	var req dto.UndoCheckInRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if !req.Confirm {
		dto.BadResponseError(ctx, dto.ConfirmationRequired, "Undoing a check-in requires confirmation: the attendee must be rescanned")
		return
	}

	participant, err := s.reconciler.UndoCheckIn(ctx.Request.Context(), participantID)
	if err != nil {
		if errors.Is(err, repo.ErrParticipantNotFound) {
			dto.ParticipantNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Str("participant_id", participantID).Msg("uncheck failed")
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, participant)
}

func (s *service) RefreshStatuses(ctx *ginext.Context) {
	var req dto.RefreshStatusesRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	updated, err := s.engine.AutoUpdateAll(ctx.Request.Context(), req.OwnerID)
	if err != nil {
		s.log.Error().Err(err).Msg("manual status refresh failed")
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, dto.RefreshStatusesResponse{Updated: updated})
}

// checkableEvent fetches the event and rejects check-in actions against
// events that are not happening today or already terminal.
func (s *service) checkableEvent(ctx *ginext.Context, eventID string) (*model.Event, bool) {
	event, err := s.repo.GetEventByID(ctx.Request.Context(), eventID)
	if err != nil {
		if errors.Is(err, repo.ErrEventNotFound) {
			dto.EventNotFoundError(ctx)
			return nil, false
		}
		s.log.Error().Err(err).Msg("failed to fetch event")
		dto.InternalServerError(ctx)
		return nil, false
	}

	if !s.engine.IsCheckable(event) {
		dto.BadResponseError(ctx, dto.EventNotCheckable,
			fmt.Sprintf("Event %q is %s and cannot accept check-ins", event.Name, s.engine.Calculate(event)))
		return nil, false
	}
	return event, true
}

func (s *service) publishCheckIn(event *model.Event, p *model.Participant) {
	checkedAt := time.Now()
	if p.CheckedInAt != nil {
		checkedAt = *p.CheckedInAt
	}
	s.publish(dto.NotificationMessage{
		Type: dto.NotificationCheckedIn,
		CheckIn: &dto.CheckInNotification{
			ParticipantID: p.ID,
			EventID:       event.ID,
			EventName:     event.Name,
			Email:         p.Email,
			FirstName:     p.FirstName,
			CheckedInAt:   checkedAt,
		},
		Timestamp: time.Now(),
	})
}

func (s *service) publish(msg dto.NotificationMessage) {
	if s.rbt == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal notification")
		return
	}
	if err := s.rbt.Publish(payload, 0); err != nil {
		s.log.Warn().Err(err).Str("type", msg.Type).Msg("failed to publish notification")
	}
}
