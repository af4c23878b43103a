// Package reminder orchestrates reminder lifecycle requests: validation,
// persistence and timer registration.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"reminders/internal/types"
)

// Scheduler is the subset of the scheduling service used here.
type Scheduler interface {
	ScheduleReminder(r *types.Reminder) bool
	CancelReminder(id string) bool
}

// Service handles create, cancel, update, lookup and listing.
type Service struct {
	store    types.ReminderStore
	sched    Scheduler
	clock    types.Clock
	validate *validator.Validate
	newID    func() string
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(store types.ReminderStore, sched Scheduler, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		sched:    sched,
		clock:    clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		newID:    uuid.NewString,
		logger:   logger.With("component", "reminder"),
	}
}

// Create validates and persists a scheduled reminder, then arms its timer.
// Nothing is stored when validation fails. A timer that cannot be armed is
// logged only; the reconciliation sweep delivers the reminder instead.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Reminder, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	loc, err := types.LoadTimezone(req.Timezone)
	if err != nil {
		return nil, err
	}
	due, err := types.ParseInstant(req.DeliveryTime, loc.String())
	if err != nil {
		return nil, err
	}

	now := types.NormalizeUTC(s.clock.Now())
	if err := requireFuture(due, now); err != nil {
		return nil, err
	}

	rem := &types.Reminder{
		ID:           s.newID(),
		UserID:       req.UserID,
		Title:        req.Title,
		Message:      req.Message,
		DeliveryTime: due,
		Timezone:     loc.String(),
		Channel:      req.Channel,
		Metadata:     req.Metadata.Clone(),
		Status:       types.StatusScheduled,
		CreatedAt:    now,
	}
	if rem.Metadata == nil {
		rem.Metadata = types.Metadata{}
	}

	if err := s.store.Insert(ctx, rem); err != nil {
		return nil, fmt.Errorf("creating reminder: %w", err)
	}

	if !s.sched.ScheduleReminder(rem) {
		s.logger.WarnContext(ctx, "timer registration failed", "reminder_id", rem.ID)
	}
	s.logger.InfoContext(ctx, "reminder created",
		"reminder_id", rem.ID,
		"channel", string(rem.Channel),
		"delivery_time", types.FormatInstant(rem.DeliveryTime),
		"local_delivery_time", types.InLocation(rem.DeliveryTime, rem.Timezone).Format(time.DateTime),
		"timezone", rem.Timezone,
	)
	return rem, nil
}

// Cancel moves a scheduled reminder to cancelled and drops its timer. A
// reminder that is already terminal is returned unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (*types.Reminder, error) {
	rem, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rem.Status.IsTerminal() {
		return rem, nil
	}

	s.sched.CancelReminder(id)

	ok, err := s.store.TransitionStatus(ctx, id, types.StatusScheduled, types.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancelling reminder %s: %w", id, err)
	}
	if !ok {
		// Delivery finished first.
		return s.store.Get(ctx, id)
	}

	rem.Status = types.StatusCancelled
	s.logger.InfoContext(ctx, "reminder cancelled", "reminder_id", id)
	return rem, nil
}

// Get returns the reminder or a not_found error.
func (s *Service) Get(ctx context.Context, id string) (*types.Reminder, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of the user's reminders ordered by delivery time.
func (s *Service) List(ctx context.Context, req ListRequest) ([]*types.Reminder, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}
	limit := req.Limit
	if limit == 0 {
		limit = types.DefaultListLimit
	}
	out, err := s.store.ListByUser(ctx, req.UserID, limit, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing reminders for %s: %w", req.UserID, err)
	}
	return out, nil
}

// Update applies a partial update to a scheduled reminder. A new delivery
// time must be in the future and re-arms the timer.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*types.Reminder, error) {
	if req.IsEmpty() {
		return nil, types.NewAppError(types.ErrCodeValidationNoChanges, "no fields to update", nil)
	}
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, types.NewAppError(types.ErrCodeConflictTerminal,
			fmt.Sprintf("reminder is %s and can no longer be changed", current.Status), nil).
			WithDetails(map[string]any{"status": string(current.Status)})
	}

	fields := types.ReminderFields{
		Title:    req.Title,
		Message:  req.Message,
		Channel:  req.Channel,
		Metadata: req.Metadata,
	}

	tz := current.Timezone
	if req.Timezone != nil {
		loc, err := types.LoadTimezone(*req.Timezone)
		if err != nil {
			return nil, err
		}
		tz = loc.String()
		fields.Timezone = &tz
	}

	rearm := false
	if req.DeliveryTime != nil {
		due, err := types.ParseInstant(*req.DeliveryTime, tz)
		if err != nil {
			return nil, err
		}
		if err := requireFuture(due, types.NormalizeUTC(s.clock.Now())); err != nil {
			return nil, err
		}
		fields.DeliveryTime = &due
		rearm = !due.Equal(current.DeliveryTime)
	}

	updated, err := s.store.UpdateFields(ctx, id, fields)
	if err != nil {
		return nil, fmt.Errorf("updating reminder %s: %w", id, err)
	}

	if rearm && updated.Status == types.StatusScheduled {
		s.sched.CancelReminder(id)
		if !s.sched.ScheduleReminder(updated) {
			s.logger.WarnContext(ctx, "timer re-registration failed", "reminder_id", id)
		}
	}
	return updated, nil
}

func requireFuture(due, now time.Time) error {
	if !due.After(now) {
		return types.NewAppError(types.ErrCodeValidationDeliveryTimePast,
			"delivery_time must be in the future", nil).
			WithDetails(map[string]any{
				"delivery_time": types.FormatInstant(due),
				"now":           types.FormatInstant(now),
			})
	}
	return nil
}
