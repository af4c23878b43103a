package reminder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"reminders/internal/types"
)

// CreateRequest describes a new reminder. DeliveryTime is ISO 8601; without
// an offset it is read as wall-clock time in Timezone.
type CreateRequest struct {
	UserID       string         `json:"user_id" validate:"required,max=128"`
	Title        string         `json:"title" validate:"required,max=120"`
	Message      string         `json:"message" validate:"required,max=1000"`
	DeliveryTime string         `json:"delivery_time" validate:"required"`
	Timezone     string         `json:"timezone" validate:"omitempty,max=64"`
	Channel      types.Channel  `json:"method" validate:"required,oneof=email sms"`
	Metadata     types.Metadata `json:"reminder_metadata,omitempty"`
}

// UpdateRequest is a partial update. Nil fields are unchanged.
type UpdateRequest struct {
	Title        *string        `json:"title,omitempty" validate:"omitempty,min=1,max=120"`
	Message      *string        `json:"message,omitempty" validate:"omitempty,min=1,max=1000"`
	DeliveryTime *string        `json:"delivery_time,omitempty" validate:"omitempty,min=1"`
	Timezone     *string        `json:"timezone,omitempty" validate:"omitempty,max=64"`
	Channel      *types.Channel `json:"method,omitempty" validate:"omitempty,oneof=email sms"`
	Metadata     types.Metadata `json:"reminder_metadata,omitempty"`
}

// ListRequest selects one page of a user's reminders. A zero Limit means
// types.DefaultListLimit.
type ListRequest struct {
	UserID string `validate:"required,max=128"`
	Limit  int    `validate:"min=0,max=200"`
	Offset int    `validate:"min=0"`
}

// IsEmpty reports whether the update carries no changes.
func (r UpdateRequest) IsEmpty() bool {
	return r.Title == nil && r.Message == nil && r.DeliveryTime == nil &&
		r.Timezone == nil && r.Channel == nil && r.Metadata == nil
}

// validationError converts validator output into a single AppError. The
// first failing field decides the code; every failure is listed in Details.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "invalid request", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}

	first := verrs[0]
	code := types.ErrCodeValidationInvalidField
	switch {
	case first.Tag() == "required":
		code = types.ErrCodeValidationMissingField
	case first.Field() == "Channel":
		code = types.ErrCodeValidationInvalidChannel
	}

	msg := fmt.Sprintf("%s failed %q validation", strings.ToLower(first.Field()), first.Tag())
	return types.NewAppError(code, msg, err).WithDetails(map[string]any{"fields": fields})
}
