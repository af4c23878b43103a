package delivery

import (
	"context"
	"fmt"

	"reminders/internal/external"
	"reminders/internal/types"
)

// Sender delivers one reminder to a resolved destination over a single
// channel and returns the provider message ID.
type Sender interface {
	Send(ctx context.Context, r *types.Reminder, to string) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, r *types.Reminder, to string) (string, error)

func (f SenderFunc) Send(ctx context.Context, r *types.Reminder, to string) (string, error) {
	return f(ctx, r, to)
}

// EmailSender renders a reminder as a plain-text email: the title is the
// subject and the message is the body.
type EmailSender struct {
	Provider external.EmailProvider
	From     external.SenderAddress
}

func (s EmailSender) Send(ctx context.Context, r *types.Reminder, to string) (string, error) {
	return s.Provider.Send(ctx, external.SendInput{
		To:          to,
		From:        s.From,
		Subject:     r.Title,
		BodyText:    r.Message,
		ReferenceID: r.ID,
	})
}

// SMSSender renders a reminder as "<title> - <message>".
type SMSSender struct {
	Provider external.SMSProvider
}

func (s SMSSender) Send(ctx context.Context, r *types.Reminder, to string) (string, error) {
	return s.Provider.Send(ctx, external.SMSInput{
		To:          to,
		Body:        fmt.Sprintf("%s - %s", r.Title, r.Message),
		ReferenceID: r.ID,
	})
}

// NewSenders builds the closed channel dispatch table from the provider registry.
func NewSenders(reg *external.ProviderRegistry, from external.SenderAddress) map[types.Channel]Sender {
	senders := make(map[types.Channel]Sender, len(types.Channels))
	if reg.Email != nil {
		senders[types.ChannelEmail] = EmailSender{Provider: reg.Email, From: from}
	}
	if reg.SMS != nil {
		senders[types.ChannelSMS] = SMSSender{Provider: reg.SMS}
	}
	return senders
}

// DestinationResolver maps a reminder to the address its provider needs.
type DestinationResolver func(r *types.Reminder) (string, error)

// MetadataDestination uses metadata["to"] when it is a non-empty string and
// falls back to the owner's user ID.
func MetadataDestination(r *types.Reminder) (string, error) {
	if to, ok := r.Metadata.String("to"); ok {
		return to, nil
	}
	if r.UserID != "" {
		return r.UserID, nil
	}
	return "", types.NewAppError(types.ErrCodeValidationMissingField, "reminder has no destination", nil)
}
