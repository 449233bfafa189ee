package domain

import (
	"fmt"
	"time"

	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
)

// WeekKey returns the ISO-8601 week bucket for t in UTC, e.g. "2026-W35".
// The ISO year can differ from the calendar year around January 1st.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// MonthKey returns the calendar month bucket for t in UTC, e.g. "2026-08".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodKey returns the bucket a counter kind rolls over on.
func PeriodKey(kind CounterKind, t time.Time) (string, error) {
	switch kind {
	case KindProjects, KindSeats:
		return PeriodAll, nil
	case KindTasks:
		return WeekKey(t), nil
	case KindPublicTasks:
		return MonthKey(t), nil
	default:
		return "", ErrUnknownCounterKind
	}
}

// LimitFor returns the plan cap for a counter kind. Zero or negative
// means no cap.
func LimitFor(kind CounterKind, plan plandomain.PlanEntry) (int64, error) {
	switch kind {
	case KindProjects:
		return plan.LimitProjects, nil
	case KindSeats:
		return plan.LimitSeats, nil
	case KindTasks:
		return plan.LimitTasksWeekly, nil
	case KindPublicTasks:
		return plan.LimitPublicTasksMonthly, nil
	default:
		return 0, ErrUnknownCounterKind
	}
}
