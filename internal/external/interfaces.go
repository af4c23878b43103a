package external

import "context"

// ---------------------------------------------------------------------------
// Email Integration (AWS SES, SendGrid)
// ---------------------------------------------------------------------------

// SenderAddress is the envelope sender for outbound email.
type SenderAddress struct {
	Address string
	Name    string
}

// SendInput carries one rendered email.
type SendInput struct {
	To          string
	From        SenderAddress
	Subject     string
	BodyText    string
	BodyHTML    string
	ReferenceID string // reminder ID, attached as a provider tag for correlation
}

// EmailProvider abstracts the email delivery service.
type EmailProvider interface {
	// Send transmits an email and returns the provider's message ID.
	Send(ctx context.Context, input SendInput) (providerMsgID string, err error)
}

// ---------------------------------------------------------------------------
// SMS Integration (Twilio)
// ---------------------------------------------------------------------------

// SMSInput carries one text message.
type SMSInput struct {
	To          string
	Body        string
	ReferenceID string
}

// SMSProvider abstracts the SMS delivery service.
type SMSProvider interface {
	// Send transmits a text message and returns the provider's message ID.
	Send(ctx context.Context, input SMSInput) (providerMsgID string, err error)
}
