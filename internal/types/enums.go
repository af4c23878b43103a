package types

// Status represents the lifecycle state of a Reminder.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusScheduled || s.IsTerminal()
}

// TerminalStatuses lists the statuses the retention sweeper may purge.
var TerminalStatuses = []Status{StatusSent, StatusFailed, StatusCancelled}

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Channels is the closed set of supported delivery channels.
var Channels = []Channel{ChannelEmail, ChannelSMS}

// Supported reports whether c belongs to the closed channel set.
func (c Channel) Supported() bool {
	return c == ChannelEmail || c == ChannelSMS
}
