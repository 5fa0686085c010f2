package slots

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrInvalidWindow = errors.New("invalid availability window")

// Window is one recurring weekly block of availability, e.g. Monday 10:00-13:00.
type Window struct {
	Day   time.Weekday
	Start ClockTime
	End   ClockTime
}

type windowJSON struct {
	Day  string    `json:"day"`
	From ClockTime `json:"from"`
	To   ClockTime `json:"to"`
}

func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(windowJSON{Day: w.Day.String(), From: w.Start, To: w.End})
}

func (w *Window) UnmarshalJSON(data []byte) error {
	var raw windowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	day, err := ParseWeekday(raw.Day)
	if err != nil {
		return err
	}
	*w = Window{Day: day, Start: raw.From, End: raw.To}
	return nil
}

// ParseWeekday accepts full ("Monday") or short ("Mon") English names in any case.
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || (len(v) == 3 && strings.HasPrefix(name, v)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidWindow, s)
}

// ValidateWindows checks start < end for every window and that no two
// windows on the same weekday overlap.
func ValidateWindows(windows []Window) error {
	byDay := make(map[time.Weekday][]Window)
	for _, w := range windows {
		if w.Day < time.Sunday || w.Day > time.Saturday {
			return fmt.Errorf("%w: weekday %d", ErrInvalidWindow, w.Day)
		}
		if !w.Start.Valid() || !w.End.Valid() || w.Start >= w.End {
			return fmt.Errorf("%w: %s %s-%s", ErrInvalidWindow, w.Day, w.Start, w.End)
		}
		byDay[w.Day] = append(byDay[w.Day], w)
	}

	for day, ws := range byDay {
		sort.Slice(ws, func(i, j int) bool { return ws[i].Start < ws[j].Start })
		for i := 1; i < len(ws); i++ {
			if ws[i].Start < ws[i-1].End {
				return fmt.Errorf("%w: %s %s-%s overlaps %s-%s", ErrInvalidWindow, day,
					ws[i].Start, ws[i].End, ws[i-1].Start, ws[i-1].End)
			}
		}
	}
	return nil
}

// windowsOn returns the windows for weekday ordered by start time.
func windowsOn(windows []Window, day time.Weekday) []Window {
	var out []Window
	for _, w := range windows {
		if w.Day == day {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
