package types

import "time"

// Reminder is the schedulable unit of work: a one-shot notification to be
// delivered at or after DeliveryTime.
type Reminder struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	DeliveryTime time.Time `json:"delivery_time"`
	Timezone     string    `json:"timezone"`
	Channel      Channel   `json:"method"`
	Metadata     Metadata  `json:"reminder_metadata"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// DefaultListLimit is the page size used when a listing gives none.
const DefaultListLimit = 50

// Overdue reports whether the reminder is still scheduled and its due
// instant is at or before now.
func (r *Reminder) Overdue(now time.Time) bool {
	return r.Status == StatusScheduled && !r.DeliveryTime.After(now)
}

// ReminderFields carries a partial update. Nil fields are left untouched.
type ReminderFields struct {
	Title        *string
	Message      *string
	DeliveryTime *time.Time
	Timezone     *string
	Channel      *Channel
	Metadata     Metadata
}

// IsEmpty reports whether the update carries no changes.
func (f ReminderFields) IsEmpty() bool {
	return f.Title == nil && f.Message == nil && f.DeliveryTime == nil &&
		f.Timezone == nil && f.Channel == nil && f.Metadata == nil
}

// Apply copies the set fields onto r.
func (f ReminderFields) Apply(r *Reminder) {
	if f.Title != nil {
		r.Title = *f.Title
	}
	if f.Message != nil {
		r.Message = *f.Message
	}
	if f.DeliveryTime != nil {
		r.DeliveryTime = f.DeliveryTime.UTC()
	}
	if f.Timezone != nil {
		r.Timezone = *f.Timezone
	}
	if f.Channel != nil {
		r.Channel = *f.Channel
	}
	if f.Metadata != nil {
		r.Metadata = f.Metadata.Clone()
	}
}

// Clone returns a deep-enough copy of r for handing out of a store.
func (r *Reminder) Clone() *Reminder {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = r.Metadata.Clone()
	return &c
}
