package reconcile

import (
	"time"

	"PPChat/module/chat/model"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
	dayLayout      = "January 2, 2006"
)

// DayGroup is a run of consecutive messages sharing a day label.
type DayGroup struct {
	Label    string          `json:"label"`
	Messages []model.Message `json:"messages"`
}

// DayLabel labels t relative to now in loc.
func DayLabel(t, now time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	day := truncateDay(t.In(loc))
	today := truncateDay(now.In(loc))
	switch {
	case day.Equal(today):
		return LabelToday
	case day.Equal(today.AddDate(0, 0, -1)):
		return LabelYesterday
	}
	return t.In(loc).Format(dayLayout)
}

// GroupByDay splits list into runs of equal day labels. The labels are
// relative to now, so callers recompute on every change.
func GroupByDay(list []model.Message, now time.Time, loc *time.Location) []DayGroup {
	var groups []DayGroup
	for _, m := range list {
		label := DayLabel(m.CreatedAt, now, loc)
		if n := len(groups); n > 0 && groups[n-1].Label == label {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Label: label, Messages: []model.Message{m}})
	}
	return groups
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
