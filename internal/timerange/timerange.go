// Package timerange turns a time-range selector such as "weekly" into
// concrete inclusive bounds for CRM BETWEEN filters.
package timerange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Selectors understood by Resolve.
const (
	Today     = "today"
	Yesterday = "yesterday"
	Weekly    = "weekly"
	LastWeek  = "last-week"
	Monthly   = "monthly"
	LastMonth = "last-month"
	Quarterly = "quarterly"
	Yearly    = "yearly"
	AllTime   = "all-time"
	Custom    = "custom"
)

var (
	// ErrUnknownRange is returned for a selector Resolve does not recognise.
	ErrUnknownRange = errors.New("unknown time range")
	// ErrInvalidBounds is returned when explicit bounds are missing or inverted.
	ErrInvalidBounds = errors.New("invalid time range bounds")
)

// Range is an inclusive [Start, End] interval.
type Range struct {
	Start time.Time
	End   time.Time
}

// StartMillis renders Start as epoch milliseconds, the format HubSpot expects
// for datetime filter values.
func (r Range) StartMillis() string {
	return strconv.FormatInt(r.Start.UnixMilli(), 10)
}

// EndMillis renders End as epoch milliseconds.
func (r Range) EndMillis() string {
	return strconv.FormatInt(r.End.UnixMilli(), 10)
}

// DefaultGranularity is the step rolling ranges end on.
const DefaultGranularity = time.Minute

// Resolver computes ranges relative to a clock in a fixed location.
type Resolver struct {
	Now      func() time.Time
	Location *time.Location

	// Granularity rounds the open end of rolling ranges (today, weekly, ...)
	// up to the last millisecond of the current step, so repeated calls
	// within a step produce identical bounds. Zero or less ends at Now.
	Granularity time.Duration
}

// NewResolver returns a Resolver using the wall clock in loc. A nil loc means UTC.
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{Now: time.Now, Location: loc, Granularity: DefaultGranularity}
}

// Resolve returns the bounds for selector; an empty selector means Weekly.
// For Custom both from and to must be
// set; for any other selector a non-zero from/to pair overrides the selector.
func (r *Resolver) Resolve(selector string, from, to time.Time) (Range, error) {
	if !from.IsZero() || !to.IsZero() {
		return explicit(from, to)
	}

	now := r.Now().In(r.Location)
	day := startOfDay(now)
	end := r.rollingEnd(now)

	switch strings.ToLower(strings.TrimSpace(selector)) {
	case Today:
		return Range{Start: day, End: end}, nil
	case Yesterday:
		return Range{Start: day.AddDate(0, 0, -1), End: day.Add(-time.Millisecond)}, nil
	case Weekly, "":
		return Range{Start: startOfWeek(day), End: end}, nil
	case LastWeek:
		week := startOfWeek(day)
		return Range{Start: week.AddDate(0, 0, -7), End: week.Add(-time.Millisecond)}, nil
	case Monthly:
		return Range{Start: startOfMonth(day), End: end}, nil
	case LastMonth:
		month := startOfMonth(day)
		return Range{Start: month.AddDate(0, -1, 0), End: month.Add(-time.Millisecond)}, nil
	case Quarterly:
		q := (int(day.Month()) - 1) / 3
		start := time.Date(day.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, day.Location())
		return Range{Start: start, End: end}, nil
	case Yearly:
		return Range{Start: time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, day.Location()), End: end}, nil
	case AllTime:
		return Range{Start: time.Unix(0, 0).In(r.Location), End: end}, nil
	case Custom:
		return explicit(from, to)
	default:
		return Range{}, fmt.Errorf("%w: %q", ErrUnknownRange, selector)
	}
}

// ParseBound parses an explicit bound in RFC 3339 or YYYY-MM-DD form. A
// date-only upper bound covers the whole day. Empty input yields the zero time.
func ParseBound(s string, upper bool, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is neither RFC 3339 nor YYYY-MM-DD", ErrInvalidBounds, s)
	}
	if upper {
		t = t.AddDate(0, 0, 1).Add(-time.Millisecond)
	}
	return t, nil
}

func (r *Resolver) rollingEnd(now time.Time) time.Time {
	if r.Granularity <= 0 {
		return now
	}
	return now.Truncate(r.Granularity).Add(r.Granularity - time.Millisecond)
}

func explicit(from, to time.Time) (Range, error) {
	if from.IsZero() || to.IsZero() {
		return Range{}, fmt.Errorf("%w: both from and to are required", ErrInvalidBounds)
	}
	if to.Before(from) {
		return Range{}, fmt.Errorf("%w: to %s is before from %s", ErrInvalidBounds, to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return Range{Start: from, End: to}, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the Monday on or before day.
func startOfWeek(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
}
