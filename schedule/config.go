package schedule

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/chime/errors"
)

// Typed schedule_config payloads, one per frequency. The raw column is JSON
// text; parsing validates it once at the store boundary instead of poking
// fields out of a generic map at evaluation time. Absent fields take the
// same defaults the catalog has always assumed: daily times ["00:00"],
// weekly days ["monday"] at "00:00", hourly minute 0, monthly day 1.

// DailyConfig schedules a job at one or more times of day.
type DailyConfig struct {
	Times []string `json:"times"`
}

// WeeklyConfig schedules a job on listed weekdays at a single time.
type WeeklyConfig struct {
	Days []string `json:"days"`
	Time string   `json:"time"`
}

// HourlyConfig schedules a job at one or more minutes past each hour.
// A single "minute" key is accepted as shorthand and folded into Minutes.
type HourlyConfig struct {
	Minutes []int `json:"minutes"`
	Minute  *int  `json:"minute"`
}

// MonthlyConfig schedules a job on one day of the month at a single time.
type MonthlyConfig struct {
	Day  int    `json:"day"`
	Time string `json:"time"`
}

// ParseDailyConfig parses and validates a daily schedule_config.
func ParseDailyConfig(raw string) (*DailyConfig, error) {
	var cfg DailyConfig
	if err := unmarshalConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Times) == 0 {
		cfg.Times = []string{"00:00"}
	}
	for _, t := range cfg.Times {
		if _, _, err := ParseClock(t); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// ParseWeeklyConfig parses and validates a weekly schedule_config.
func ParseWeeklyConfig(raw string) (*WeeklyConfig, error) {
	var cfg WeeklyConfig
	if err := unmarshalConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Days) == 0 {
		cfg.Days = []string{"monday"}
	}
	for _, d := range cfg.Days {
		if _, err := ParseWeekday(d); err != nil {
			return nil, err
		}
	}
	if cfg.Time == "" {
		cfg.Time = "00:00"
	}
	if _, _, err := ParseClock(cfg.Time); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseHourlyConfig parses and validates an hourly schedule_config. The
// returned Minutes list is normalized: the single-minute shorthand is
// folded in, and an empty config defaults to minute 0.
func ParseHourlyConfig(raw string) (*HourlyConfig, error) {
	var cfg HourlyConfig
	if err := unmarshalConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Minutes) == 0 {
		m := 0
		if cfg.Minute != nil {
			m = *cfg.Minute
		}
		cfg.Minutes = []int{m}
	}
	for _, m := range cfg.Minutes {
		if m < 0 || m > 59 {
			return nil, errors.Newf("minute %d out of range 0-59", m)
		}
	}
	return &cfg, nil
}

// ParseMonthlyConfig parses and validates a monthly schedule_config.
func ParseMonthlyConfig(raw string) (*MonthlyConfig, error) {
	var cfg MonthlyConfig
	if err := unmarshalConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Day == 0 {
		cfg.Day = 1
	}
	if cfg.Day < 1 || cfg.Day > 31 {
		return nil, errors.Newf("day %d out of range 1-31", cfg.Day)
	}
	if cfg.Time == "" {
		cfg.Time = "00:00"
	}
	if _, _, err := ParseClock(cfg.Time); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateScheduleConfig checks that raw is a usable schedule_config for
// the given frequency. once takes no configuration and always validates.
func ValidateScheduleConfig(frequency Frequency, raw string) error {
	var err error
	switch frequency {
	case FrequencyOnce:
		return nil
	case FrequencyDaily:
		_, err = ParseDailyConfig(raw)
	case FrequencyWeekly:
		_, err = ParseWeeklyConfig(raw)
	case FrequencyHourly:
		_, err = ParseHourlyConfig(raw)
	case FrequencyMonthly:
		_, err = ParseMonthlyConfig(raw)
	default:
		return errors.NewInvalidRequestError("unknown frequency %q", frequency)
	}
	if err != nil {
		return errors.NewInvalidRequestError("invalid schedule_config for %s job: %v", frequency, err)
	}
	return nil
}

func unmarshalConfig(raw string, v interface{}) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("schedule_config is empty")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.Wrap(err, "invalid schedule_config JSON")
	}
	return nil
}

// ParseClock parses an "HH:MM" time-of-day string.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, errors.Newf("invalid time %q: expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.Newf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.Newf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday resolves a weekday name, case-insensitively.
func ParseWeekday(name string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, errors.Newf("unknown weekday %q", name)
	}
	return d, nil
}
