package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindInstant   Kind = "instant"
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
)

// Cadence describes how a recurring schedule repeats: either a cron
// expression or a fixed interval. Exactly one of the two forms is set.
type Cadence struct {
	CronExpr      string `json:"cron_expr,omitempty"`
	IntervalValue int    `json:"interval_value,omitempty"`
	IntervalUnit  Unit   `json:"interval_unit,omitempty"`
}

func (c Cadence) IsCron() bool { return strings.TrimSpace(c.CronExpr) != "" }

func (c Cadence) IsZero() bool {
	return !c.IsCron() && c.IntervalValue == 0 && c.IntervalUnit == ""
}

func (c Cadence) Validate() error {
	if c.IsCron() {
		if c.IntervalValue != 0 || c.IntervalUnit != "" {
			return errors.New("cadence: cron and interval are mutually exclusive")
		}
		if _, err := parseCron(c.CronExpr); err != nil {
			return fmt.Errorf("cadence: %w", err)
		}
		return nil
	}
	if c.IntervalValue <= 0 {
		return errors.New("cadence: interval_value must be > 0")
	}
	switch c.IntervalUnit {
	case UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth:
		return nil
	default:
		return fmt.Errorf("cadence: unknown interval_unit %q", c.IntervalUnit)
	}
}

// Schedule is a persisted intent to send one message, once or repeatedly.
type Schedule struct {
	ID         string
	Kind       Kind
	ContactRef string
	Message    string

	// ScheduleTime is the run time for "once" schedules and the seed of the
	// first occurrence for "recurring" ones. Unused for "instant".
	ScheduleTime time.Time
	Cadence      Cadence

	// Tolerance is the maximum lateness after NextRunAt at which the
	// occurrence still fires; beyond it the occurrence is skipped.
	// Zero means the store default applies.
	Tolerance time.Duration

	Status     Status
	NextRunAt  time.Time
	LastRunAt  time.Time
	RetryCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindInstant, KindOnce, KindRecurring:
	default:
		return fmt.Errorf("schedule: unknown kind %q", s.Kind)
	}
	if strings.TrimSpace(s.ContactRef) == "" {
		return errors.New("schedule: contact_ref is required")
	}
	if strings.TrimSpace(s.Message) == "" {
		return errors.New("schedule: message is required")
	}
	if s.Kind == KindOnce && s.ScheduleTime.IsZero() {
		return errors.New("schedule: schedule_time is required for kind=once")
	}
	if s.Kind == KindRecurring {
		if s.Cadence.IsZero() {
			return errors.New("schedule: cadence is required for kind=recurring")
		}
		if err := s.Cadence.Validate(); err != nil {
			return err
		}
	} else if !s.Cadence.IsZero() {
		return fmt.Errorf("schedule: cadence is only valid for kind=recurring")
	}
	if s.Tolerance < 0 {
		return errors.New("schedule: tolerance must be >= 0")
	}
	return nil
}
