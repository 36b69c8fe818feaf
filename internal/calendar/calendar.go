package calendar

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DefaultHorizonDays bounds the forward search for working time.
const DefaultHorizonDays = 365

// Interval is a half-open [Start, End) span of working time.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Minutes returns the interval length in minutes.
func (iv Interval) Minutes() float64 {
	return iv.End.Sub(iv.Start).Minutes()
}

// Shift is one working window on a weekday.
// DayOfWeek uses ISO numbering: 1 = Monday through 7 = Sunday.
type Shift struct {
	DayOfWeek int    `json:"day_of_week"`
	StartTime string `json:"start_time"` // "HH:MM"
	EndTime   string `json:"end_time"`   // "HH:MM"
}

// Break splits every shift window that covers it, on every working day.
type Break struct {
	StartTime string `json:"start_time"` // "HH:MM"
	Minutes   int    `json:"minutes"`
}

// Holiday removes an entire calendar day.
type Holiday struct {
	Date string `json:"date"` // "YYYY-MM-DD"
	Name string `json:"name"`
}

// span is minutes since local midnight, half-open.
type span struct {
	start int
	end   int
}

// Calendar answers working-time questions for a single local zone.
// All date arithmetic happens in that zone; callers hand in and get back
// time.Time values that can be converted to UTC at the persistence boundary.
type Calendar struct {
	loc         *time.Location
	shifts      map[int][]span // ISO weekday -> merged shift spans
	breaks      []span
	holidays    map[string]string // "2006-01-02" -> name
	horizonDays int
}

// New validates and indexes the calendar primitives.
// Shift rows with end <= start are dropped (no overnight shifts); breaks with
// non-positive minutes are dropped; malformed clock strings are an error.
func New(loc *time.Location, shifts []Shift, breaks []Break, holidays []Holiday, horizonDays int) (*Calendar, error) {
	if loc == nil {
		return nil, errors.New("location is required")
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}

	c := &Calendar{
		loc:         loc,
		shifts:      make(map[int][]span),
		holidays:    make(map[string]string),
		horizonDays: horizonDays,
	}

	for _, s := range shifts {
		if s.DayOfWeek < 1 || s.DayOfWeek > 7 {
			return nil, fmt.Errorf("shift day_of_week out of range: %d", s.DayOfWeek)
		}
		start, err := ParseClock(s.StartTime)
		if err != nil {
			return nil, fmt.Errorf("shift start_time: %w", err)
		}
		end, err := ParseClock(s.EndTime)
		if err != nil {
			return nil, fmt.Errorf("shift end_time: %w", err)
		}
		if end <= start {
			continue
		}
		c.shifts[s.DayOfWeek] = append(c.shifts[s.DayOfWeek], span{start: start, end: end})
	}
	for d := range c.shifts {
		c.shifts[d] = mergeSpans(c.shifts[d])
	}

	for _, b := range breaks {
		start, err := ParseClock(b.StartTime)
		if err != nil {
			return nil, fmt.Errorf("break start_time: %w", err)
		}
		if b.Minutes <= 0 {
			continue
		}
		c.breaks = append(c.breaks, span{start: start, end: start + b.Minutes})
	}
	sort.Slice(c.breaks, func(i, j int) bool { return c.breaks[i].start < c.breaks[j].start })

	for _, h := range holidays {
		if _, err := time.ParseInLocation("2006-01-02", h.Date, loc); err != nil {
			return nil, fmt.Errorf("holiday date %q: %w", h.Date, err)
		}
		c.holidays[h.Date] = h.Name
	}

	return c, nil
}

// Location returns the zone all calendar arithmetic is done in.
func (c *Calendar) Location() *time.Location { return c.loc }

// HolidayName reports whether the date falls on a holiday.
func (c *Calendar) HolidayName(day time.Time) (string, bool) {
	name, ok := c.holidays[day.In(c.loc).Format("2006-01-02")]
	return name, ok
}

// IsWorkingDay reports whether the date has at least one working window.
func (c *Calendar) IsWorkingDay(day time.Time) bool {
	return len(c.DayWindows(day)) > 0
}

// DayWindows returns the disjoint working intervals for a date, sorted
// ascending: each shift of that weekday minus every break that overlaps it.
// Empty on holidays and on days without shifts.
func (c *Calendar) DayWindows(day time.Time) []Interval {
	local := day.In(c.loc)
	if _, holiday := c.HolidayName(local); holiday {
		return nil
	}
	spans := c.shifts[isoWeekday(local)]
	if len(spans) == 0 {
		return nil
	}
	var out []Interval
	for _, s := range spans {
		for _, w := range subtractBreaks(s, c.breaks) {
			out = append(out, Interval{
				Start: clockTime(local, w.start, c.loc),
				End:   clockTime(local, w.end, c.loc),
			})
		}
	}
	return out
}

// NextWorkingStart returns the first moment at or after from that falls
// inside a working window.
func (c *Calendar) NextWorkingStart(from time.Time) (time.Time, error) {
	if w, ok := c.iterate(from).next(); ok {
		return w.Start, nil
	}
	return time.Time{}, &HorizonError{From: from, Days: c.horizonDays}
}

// PlaceDuration returns the ordered working segments that collectively hold
// exactly minutes of work starting no earlier than earliest. Non-positive
// durations collapse to a zero-length segment at the next working start.
func (c *Calendar) PlaceDuration(earliest time.Time, minutes int) ([]Interval, error) {
	if minutes <= 0 {
		start, err := c.NextWorkingStart(earliest)
		if err != nil {
			return nil, err
		}
		return []Interval{{Start: start, End: start}}, nil
	}

	remaining := time.Duration(minutes) * time.Minute
	it := c.iterate(earliest)
	var segments []Interval
	for remaining > 0 {
		w, ok := it.next()
		if !ok {
			return nil, &HorizonError{
				From:             earliest,
				Days:             c.horizonDays,
				RemainingMinutes: remaining.Minutes(),
			}
		}
		seg := w
		if avail := w.End.Sub(w.Start); avail > remaining {
			seg.End = w.Start.Add(remaining)
		}
		segments = append(segments, seg)
		remaining -= seg.End.Sub(seg.Start)
	}
	return segments, nil
}

// Preview summarizes the next days working windows starting at from's date.
func (c *Calendar) Preview(from time.Time, days int) []DayPreview {
	local := from.In(c.loc)
	out := make([]DayPreview, 0, days)
	for i := 0; i < days; i++ {
		day := local.AddDate(0, 0, i)
		windows := c.DayWindows(day)
		p := DayPreview{
			Date:    day.Format("2006-01-02"),
			Working: len(windows) > 0,
			Windows: windows,
		}
		if name, ok := c.HolidayName(day); ok {
			p.Holiday = name
		}
		out = append(out, p)
	}
	return out
}

// DayPreview summarizes one date for the calendar preview endpoint.
type DayPreview struct {
	Date    string     `json:"date"`
	Working bool       `json:"working"`
	Holiday string     `json:"holiday,omitempty"`
	Windows []Interval `json:"windows"`
}

// HorizonError reports that no working window could absorb the requested
// duration within the search horizon.
type HorizonError struct {
	From             time.Time
	Days             int
	RemainingMinutes float64
}

func (e *HorizonError) Error() string {
	if e.RemainingMinutes > 0 {
		return fmt.Sprintf("no working time for %.0f more minutes within %d days of %s",
			e.RemainingMinutes, e.Days, e.From.Format(time.RFC3339))
	}
	return fmt.Sprintf("no working window within %d days of %s", e.Days, e.From.Format(time.RFC3339))
}

// windowIter walks working windows lazily from a point in time, in order.
// The first emitted window is clipped so it never starts before the origin;
// windows ending at or before the origin are skipped entirely.
type windowIter struct {
	cal     *Calendar
	day     time.Time
	from    time.Time
	pending []Interval
	scanned int
}

func (c *Calendar) iterate(from time.Time) *windowIter {
	local := from.In(c.loc)
	return &windowIter{cal: c, day: local, from: local}
}

func (it *windowIter) next() (Interval, bool) {
	for {
		for len(it.pending) > 0 {
			w := it.pending[0]
			it.pending = it.pending[1:]
			if !w.End.After(it.from) {
				continue
			}
			if w.Start.Before(it.from) {
				w.Start = it.from
			}
			return w, true
		}
		if it.scanned >= it.cal.horizonDays {
			return Interval{}, false
		}
		it.pending = it.cal.DayWindows(it.day)
		it.day = it.day.AddDate(0, 0, 1)
		it.scanned++
	}
}

// Helper functions

// ParseClock parses "HH:MM" (a trailing seconds component is tolerated and
// ignored) into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("invalid time format: %s", s)
	}

	var hour, minute int
	if _, err := fmt.Sscanf(parts[0], "%d", &hour); err != nil {
		return 0, fmt.Errorf("invalid hour: %w", err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &minute); err != nil {
		return 0, fmt.Errorf("invalid minute: %w", err)
	}

	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range: %d", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range: %d", minute)
	}

	return hour*60 + minute, nil
}

// CeilMinutes rounds a fractional minute count up to whole minutes,
// clamping negatives and NaN to zero.
func CeilMinutes(minutes float64) int {
	if math.IsNaN(minutes) || minutes <= 0 {
		return 0
	}
	return int(math.Ceil(minutes))
}

func isoWeekday(t time.Time) int {
	return (int(t.Weekday())+6)%7 + 1
}

func clockTime(day time.Time, minutes int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, loc)
}

func mergeSpans(spans []span) []span {
	if len(spans) <= 1 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func subtractBreaks(s span, breaks []span) []span {
	out := []span{s}
	for _, b := range breaks {
		var next []span
		for _, w := range out {
			// A break outside the window leaves it whole; otherwise it is
			// clipped to the window and splits it.
			if b.end <= w.start || b.start >= w.end {
				next = append(next, w)
				continue
			}
			if b.start > w.start {
				next = append(next, span{start: w.start, end: b.start})
			}
			if b.end < w.end {
				next = append(next, span{start: b.end, end: w.end})
			}
		}
		out = next
	}
	return out
}
