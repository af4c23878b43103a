package types

import (
	"fmt"
	"strings"
	"time"
)

// InstantPrecision is the resolution persisted for instants. Postgres
// timestamptz stores microseconds, so every instant is truncated to match
// and values round-trip through any store unchanged.
const InstantPrecision = time.Microsecond

// localLayouts are accepted for timestamps that carry no UTC offset. Such
// values are interpreted in the reminder's declared timezone.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// NormalizeUTC converts t to the canonical representation: UTC, truncated to
// InstantPrecision.
func NormalizeUTC(t time.Time) time.Time {
	return t.UTC().Truncate(InstantPrecision)
}

// FormatInstant renders t as an RFC 3339 UTC timestamp.
func FormatInstant(t time.Time) string {
	return NormalizeUTC(t).Format(time.RFC3339Nano)
}

// LoadTimezone resolves an IANA zone name. An empty name means UTC.
func LoadTimezone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") || name == "Z" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, NewAppError(ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("unknown timezone %q", name), err)
	}
	return loc, nil
}

// ParseInstant parses an ISO 8601 timestamp into the canonical UTC instant.
// A value with an explicit offset (or a trailing "Z") is absolute and tz is
// ignored. A value without an offset is wall-clock time in tz.
func ParseInstant(value, tz string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, NewAppError(ErrCodeValidationMissingField, "delivery_time is required", nil)
	}

	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return NormalizeUTC(t), nil
	}

	loc, err := LoadTimezone(tz)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return NormalizeUTC(t), nil
		}
	}

	return time.Time{}, NewAppError(ErrCodeValidationDeliveryTime,
		fmt.Sprintf("delivery_time %q must be ISO 8601", value), nil)
}

// InLocation renders the canonical instant t as wall-clock time in tz,
// falling back to UTC for an unknown zone.
func InLocation(t time.Time, tz string) time.Time {
	loc, err := LoadTimezone(tz)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc)
}
