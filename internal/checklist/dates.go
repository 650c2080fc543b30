package checklist

import (
	"fmt"
	"time"

	"github.com/rongwang/shipprep-server/internal/models"
)

const dateLayout = "2006-01-02"

// ParseDate accepts a calendar date, optionally followed by a time part
// (clients send both "2025-01-10" and "2025-01-10T08:00:00Z").
func ParseDate(s string) (time.Time, error) {
	if len(s) < len(dateLayout) {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	t, err := time.Parse(dateLayout, s[:len(dateLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// Duration renders the whole days between two dates, e.g. "5 days".
// It returns false when either date is unparseable or to is before from.
func Duration(from, to string) (string, bool) {
	start, err := ParseDate(from)
	if err != nil {
		return "", false
	}
	end, err := ParseDate(to)
	if err != nil {
		return "", false
	}
	if end.Before(start) {
		return "", false
	}
	return formatDays(int(end.Sub(start).Hours() / 24)), true
}

func formatDays(n int) string {
	if n == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", n)
}

// RefreshElapsed recomputes how long an unfinished ship has been in
// preparation as of now. It reports whether the stored value changed.
func RefreshElapsed(s *models.Ship, now time.Time) bool {
	if s.Finished || s.InputDate == nil {
		return false
	}
	d, ok := Duration(*s.InputDate, now.UTC().Format(dateLayout))
	if !ok {
		return false
	}
	if s.ElapsedDuration != nil && *s.ElapsedDuration == d {
		return false
	}
	s.ElapsedDuration = &d
	return true
}
