package schedule

import "time"

// SendTimePolicy picks a send time when the caller requests auto
// scheduling instead of supplying one.
type SendTimePolicy interface {
	NextSendTime(now time.Time) time.Time
}

// BusinessHoursPolicy schedules for a fixed weekday and hour in the
// server's local time, defaulting to Tuesday 14:00. Engagement-informed
// per-business timing would slot in behind the same interface.
type BusinessHoursPolicy struct {
	Weekday time.Weekday
	Hour    int
}

// NewBusinessHoursPolicy returns the default policy.
func NewBusinessHoursPolicy() *BusinessHoursPolicy {
	return &BusinessHoursPolicy{Weekday: time.Tuesday, Hour: 14}
}

// NextSendTime returns the next occurrence of the configured weekday
// and hour strictly after now.
func (p *BusinessHoursPolicy) NextSendTime(now time.Time) time.Time {
	days := (int(p.Weekday) - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), p.Hour, 0, 0, 0, now.Location()).
		AddDate(0, 0, days)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
