package models

import (
	"errors"
	"strings"
	"time"
)

// TimestampLayout is the UTC layout used in reason documents,
// e.g. "2019-06-10 13:01:02.123456+00:00".
const TimestampLayout = "2006-01-02 15:04:05.000000+00:00"

// ErrInvalidTimestamp is returned when no supported layout matches.
var ErrInvalidTimestamp = errors.New("invalid timestamp format")

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	TimestampLayout,
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
