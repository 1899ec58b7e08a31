package schedule

import (
	"time"

	"go.uber.org/zap"
)

// WindowMinutes is the fixed bucket size for time-of-day matching. Passes
// run on a cadence rather than continuously, so a configured "09:00"
// matches any evaluation between 09:00 and 09:14.
const WindowMinutes = 15

// Evaluator decides whether a job is due at a given instant. It is pure:
// it never mutates the job and never errors outward. A malformed
// schedule_config is logged as a configuration warning and evaluates as
// not due.
//
// All wall-clock math happens in the evaluator's location, so a job
// configured for "09:00" fires at nine in the deployment's timezone
// regardless of where its timestamps were recorded.
type Evaluator struct {
	loc    *time.Location
	logger *zap.SugaredLogger
}

// NewEvaluator returns an evaluator working in loc. A nil loc falls back
// to UTC.
func NewEvaluator(loc *time.Location, logger *zap.SugaredLogger) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{loc: loc, logger: logger}
}

// IsDue reports whether job should fire at now, with a short reason
// suitable for pass logs. bypassWindow skips only the time-window
// sub-condition; the start-date gate, day matching, and last-trigger
// checks always apply.
func (e *Evaluator) IsDue(job *Job, now time.Time, bypassWindow bool) (bool, string) {
	now = now.In(e.loc)

	// Universal activation gate.
	if job.StartDate.After(now) {
		return false, "start date not reached"
	}

	switch job.Frequency {
	case FrequencyOnce:
		if job.LastTriggeredAt != nil {
			return false, "already triggered"
		}
		return true, "never triggered"
	case FrequencyDaily:
		return e.dailyDue(job, now, bypassWindow)
	case FrequencyWeekly:
		return e.weeklyDue(job, now, bypassWindow)
	case FrequencyHourly:
		return e.hourlyDue(job, now, bypassWindow)
	case FrequencyMonthly:
		return e.monthlyDue(job, now, bypassWindow)
	}

	e.warnConfig(job, "unknown frequency")
	return false, "unknown frequency"
}

// dailyDue fires within the window of any configured time, at most once
// per calendar day.
func (e *Evaluator) dailyDue(job *Job, now time.Time, bypassWindow bool) (bool, string) {
	cfg, err := ParseDailyConfig(job.ScheduleConfig)
	if err != nil {
		e.warnConfig(job, err.Error())
		return false, "invalid schedule_config"
	}
	if !bypassWindow {
		matched := false
		for _, t := range cfg.Times {
			hour, minute, err := ParseClock(t)
			if err != nil {
				continue
			}
			if windowMatches(now, hour, minute) {
				matched = true
				break
			}
		}
		if !matched {
			return false, "outside daily window"
		}
	}
	if job.LastTriggeredAt != nil && !dateBefore(job.LastTriggeredAt.In(e.loc), now) {
		return false, "already triggered today"
	}
	return true, "daily window matched"
}

// weeklyDue fires on listed weekdays within the configured time window,
// at most once per calendar day. Multiple listed days give multiple runs
// per week.
func (e *Evaluator) weeklyDue(job *Job, now time.Time, bypassWindow bool) (bool, string) {
	cfg, err := ParseWeeklyConfig(job.ScheduleConfig)
	if err != nil {
		e.warnConfig(job, err.Error())
		return false, "invalid schedule_config"
	}
	listed := false
	for _, d := range cfg.Days {
		day, err := ParseWeekday(d)
		if err != nil {
			continue
		}
		if day == now.Weekday() {
			listed = true
			break
		}
	}
	if !listed {
		return false, "weekday not scheduled"
	}
	if !bypassWindow {
		hour, minute, _ := ParseClock(cfg.Time)
		if !windowMatches(now, hour, minute) {
			return false, "outside weekly window"
		}
	}
	if job.LastTriggeredAt != nil && sameDate(job.LastTriggeredAt.In(e.loc), now) {
		return false, "already triggered today"
	}
	return true, "weekly window matched"
}

// hourlyDue fires at listed minutes past each hour. A re-run in the same
// hour is allowed as long as the minute differs from the last trigger's.
func (e *Evaluator) hourlyDue(job *Job, now time.Time, bypassWindow bool) (bool, string) {
	cfg, err := ParseHourlyConfig(job.ScheduleConfig)
	if err != nil {
		e.warnConfig(job, err.Error())
		return false, "invalid schedule_config"
	}
	if !bypassWindow {
		listed := false
		for _, m := range cfg.Minutes {
			if m == now.Minute() {
				listed = true
				break
			}
		}
		if !listed {
			return false, "minute not scheduled"
		}
	}
	if job.LastTriggeredAt != nil {
		last := job.LastTriggeredAt.In(e.loc)
		if sameDate(last, now) && last.Hour() == now.Hour() && last.Minute() == now.Minute() {
			return false, "already triggered this minute"
		}
	}
	return true, "hourly minute matched"
}

// monthlyDue fires on one day of the month within the configured time
// window, at most once per month.
func (e *Evaluator) monthlyDue(job *Job, now time.Time, bypassWindow bool) (bool, string) {
	cfg, err := ParseMonthlyConfig(job.ScheduleConfig)
	if err != nil {
		e.warnConfig(job, err.Error())
		return false, "invalid schedule_config"
	}
	if now.Day() != cfg.Day {
		return false, "not scheduled day of month"
	}
	if !bypassWindow {
		hour, minute, _ := ParseClock(cfg.Time)
		if !windowMatches(now, hour, minute) {
			return false, "outside monthly window"
		}
	}
	if job.LastTriggeredAt != nil {
		last := job.LastTriggeredAt.In(e.loc)
		if last.Month() == now.Month() && last.Year() == now.Year() {
			return false, "already triggered this month"
		}
	}
	return true, "monthly window matched"
}

func (e *Evaluator) warnConfig(job *Job, detail string) {
	if e.logger == nil {
		return
	}
	e.logger.Warnw("Invalid schedule_config",
		"job_id", job.ID,
		"frequency", job.Frequency,
		"schedule_config", job.ScheduleConfig,
		"detail", detail,
	)
}

// windowMatches reports whether now falls in the same fixed-size minute
// bucket as the configured hour and minute. The hour must match exactly;
// buckets only partition the minutes within it.
func windowMatches(now time.Time, hour, minute int) bool {
	if now.Hour() != hour {
		return false
	}
	return now.Minute()/WindowMinutes == minute/WindowMinutes
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// dateBefore reports whether a's calendar date is strictly before b's.
func dateBefore(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}
