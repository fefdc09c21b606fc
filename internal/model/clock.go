package model

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format events carry.
const DateLayout = "2006-01-02"

var clockLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM"}

// NormalizeClock brings a time-of-day value to 24-hour "HH:MM". It accepts
// "HH:MM", "HH:MM:SS" and 12-hour "h:MM AM/PM" in any case. The second
// return is false for empty or unparseable input; callers treat those as
// non-matching rather than errors.
func NormalizeClock(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute()), true
		}
	}
	return "", false
}

// ClockMinutes converts a time-of-day value to minutes since midnight.
func ClockMinutes(raw string) (int, bool) {
	norm, ok := NormalizeClock(raw)
	if !ok {
		return 0, false
	}
	var h, m int
	if _, err := fmt.Sscanf(norm, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	return h*60 + m, true
}
