package server

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseOptionalTime accepts RFC 3339 timestamps, zone-less ISO-8601
// timestamps and plain dates. Values without an offset are read in loc.
func parseOptionalTime(value string, endOfDay bool, loc *time.Location) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed, nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02T15:04:05", trimmed, loc); err == nil {
		return parsed, nil
	}
	if parsed, err := time.ParseInLocation(dateOnlyLayout, trimmed, loc); err == nil {
		if endOfDay {
			return parsed.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return parsed, nil
	}
	return time.Time{}, errors.New("invalid_time")
}
