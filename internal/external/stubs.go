package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stubs let the service run locally without provider credentials. They log
// the message they would have sent and return a synthetic message ID.
// ---------------------------------------------------------------------------

// StubEmailProvider implements EmailProvider by logging. Used when
// EMAIL_PROVIDER=stub.
type StubEmailProvider struct {
	logger *slog.Logger
	sent   atomic.Int64
}

// NewStubEmailProvider creates a new StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input SendInput) (string, error) {
	n := s.sent.Add(1)
	s.logger.InfoContext(ctx, "stub: email not sent (no provider configured)",
		"to", input.To,
		"from", input.From.Address,
		"subject", input.Subject,
		"reference_id", input.ReferenceID,
	)
	return fmt.Sprintf("email_stub_%s_%d", input.ReferenceID, n), nil
}

// Sent returns how many messages the stub has accepted.
func (s *StubEmailProvider) Sent() int64 { return s.sent.Load() }

// StubSMSProvider implements SMSProvider by logging. Used when
// SMS_PROVIDER=stub.
type StubSMSProvider struct {
	logger *slog.Logger
	sent   atomic.Int64
}

// NewStubSMSProvider creates a new StubSMSProvider.
func NewStubSMSProvider(logger *slog.Logger) *StubSMSProvider {
	return &StubSMSProvider{logger: logger}
}

func (s *StubSMSProvider) Send(ctx context.Context, input SMSInput) (string, error) {
	n := s.sent.Add(1)
	s.logger.InfoContext(ctx, "stub: sms not sent (no provider configured)",
		"to", input.To,
		"body_len", len(input.Body),
		"reference_id", input.ReferenceID,
	)
	return fmt.Sprintf("sms_stub_%s_%d", input.ReferenceID, n), nil
}

// Sent returns how many messages the stub has accepted.
func (s *StubSMSProvider) Sent() int64 { return s.sent.Load() }

var (
	_ EmailProvider = (*StubEmailProvider)(nil)
	_ SMSProvider   = (*StubSMSProvider)(nil)
)
