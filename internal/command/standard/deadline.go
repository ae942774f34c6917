package standard

import (
	"errors"
	"strings"
	"time"
)

var (
	fullLayouts = []string{
		"2006/1/2 15:04",
		"2006-1-2 15:04",
		"2006/1/2",
		"2006-1-2",
		time.RFC3339,
	}
	yearlessLayouts = []string{
		"1/2 15:04",
		"1/2",
	}
	relativeDays = map[string]int{
		"今日": 0,
		"明日": 1,
		"明後日": 2,
	}
)

var errDeadline = errors.New("invalid deadline")

// ParseDeadline reads a deadline in loc. Dates without a year take the current year, or the
// next one when that date has already passed. "今日", "明日" and "明後日" may replace the date,
// and a bare "15:04" means today.
func ParseDeadline(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return time.Time{}, errDeadline
	}
	now = now.In(loc)
	for word, days := range relativeDays {
		rest, ok := strings.CutPrefix(s, word)
		if !ok {
			continue
		}
		day := now.AddDate(0, 0, days)
		clock := strings.TrimSpace(rest)
		if clock == "" {
			clock = "00:00"
		}
		t, err := time.ParseInLocation("15:04", clock, loc)
		if err != nil {
			return time.Time{}, errDeadline
		}
		return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
	}
	for _, layout := range fullLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range yearlessLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		d := time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if d.Before(now) {
			d = d.AddDate(1, 0, 0)
		}
		return d, nil
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
	}
	return time.Time{}, errDeadline
}
