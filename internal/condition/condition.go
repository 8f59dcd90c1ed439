// Package condition implements the closed predicate algebra used by trigger
// definitions. Predicates read named fields from a context snapshot and can
// only compare numbers, test time-of-day windows and measure elapsed time.
package condition

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMissingField is returned when a predicate references a field the
// context does not carry.
var ErrMissingField = errors.New("missing context field")

// Fields is the read-only view of a context snapshot a predicate evaluates
// against.
type Fields interface {
	Number(name string) (float64, bool)
	Time(name string) (time.Time, bool)
	Now() time.Time
	MinuteOfDay() int
	Weekday() time.Weekday
}

// Predicate is a side-effect-free boolean expression over Fields.
type Predicate interface {
	Eval(f Fields) (bool, error)
	String() string
}

// Op is a numeric comparison operator.
type Op string

const (
	OpLT  Op = "<"
	OpLTE Op = "<="
	OpGT  Op = ">"
	OpGTE Op = ">="
	OpEQ  Op = "=="
	OpNEQ Op = "!="
)

const epsilon = 1e-9

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpLT, OpLTE, OpGT, OpGTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

func (op Op) apply(a, b float64) bool {
	switch op {
	case OpLT:
		return a < b-epsilon
	case OpLTE:
		return a <= b+epsilon
	case OpGT:
		return a > b+epsilon
	case OpGTE:
		return a >= b-epsilon
	case OpEQ:
		return math.Abs(a-b) <= epsilon
	case OpNEQ:
		return math.Abs(a-b) > epsilon
	}
	return false
}

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

// Compare tests a numeric field against a constant.
type Compare struct {
	Field string
	Op    Op
	Value float64
}

func (c Compare) Eval(f Fields) (bool, error) {
	v, ok := f.Number(c.Field)
	if !ok {
		return false, missing(c.Field)
	}
	return c.Op.apply(v, c.Value), nil
}

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %g", c.Field, c.Op, c.Value)
}

// CompareFields tests one numeric field against another scaled by Factor.
// A zero Factor is treated as 1.
type CompareFields struct {
	Left   string
	Op     Op
	Right  string
	Factor float64
}

func (c CompareFields) Eval(f Fields) (bool, error) {
	l, ok := f.Number(c.Left)
	if !ok {
		return false, missing(c.Left)
	}
	r, ok := f.Number(c.Right)
	if !ok {
		return false, missing(c.Right)
	}
	factor := c.Factor
	if factor == 0 {
		factor = 1
	}
	return c.Op.apply(l, r*factor), nil
}

func (c CompareFields) String() string {
	if c.Factor == 0 || c.Factor == 1 {
		return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
	}
	return fmt.Sprintf("%s %s %s*%g", c.Left, c.Op, c.Right, c.Factor)
}

// Window is satisfied when the local minute-of-day lies in [Start, End).
// Start > End wraps past midnight; Start == End covers the whole day.
// An empty Weekdays list matches every day.
type Window struct {
	Start    int
	End      int
	Weekdays []time.Weekday
}

func (w Window) Eval(f Fields) (bool, error) {
	if len(w.Weekdays) > 0 {
		day := f.Weekday()
		match := false
		for _, wd := range w.Weekdays {
			if wd == day {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}
	return InWindow(f.MinuteOfDay(), w.Start, w.End), nil
}

func (w Window) String() string {
	s := fmt.Sprintf("window %s-%s", FormatClock(w.Start), FormatClock(w.End))
	if len(w.Weekdays) > 0 {
		days := make([]string, len(w.Weekdays))
		for i, d := range w.Weekdays {
			days[i] = d.String()[:3]
		}
		s += " " + strings.Join(days, ",")
	}
	return s
}

// InWindow reports whether minute lies in the half-open window [start, end).
func InWindow(minute, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// FormatClock renders a minute-of-day as HH:MM.
func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// Elapsed measures now minus a timestamp field. The predicate holds when the
// elapsed time is at least Min and, if Max is set, below Max. IfNever decides
// the result when the timestamp is absent; when nil an absent timestamp is a
// missing field.
type Elapsed struct {
	Field   string
	Min     time.Duration
	Max     time.Duration
	IfNever *bool
}

func (e Elapsed) Eval(f Fields) (bool, error) {
	ts, ok := f.Time(e.Field)
	if !ok || ts.IsZero() {
		if e.IfNever != nil {
			return *e.IfNever, nil
		}
		return false, missing(e.Field)
	}
	d := f.Now().Sub(ts)
	if d < e.Min {
		return false, nil
	}
	if e.Max > 0 && d >= e.Max {
		return false, nil
	}
	return true, nil
}

func (e Elapsed) String() string {
	s := fmt.Sprintf("elapsed(%s) >= %s", e.Field, e.Min)
	if e.Max > 0 {
		s += fmt.Sprintf(" && < %s", e.Max)
	}
	return s
}

// All is the conjunction of its members. An empty All is true.
type All []Predicate

func (a All) Eval(f Fields) (bool, error) {
	for _, p := range a {
		ok, err := p.Eval(f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (a All) String() string {
	parts := make([]string, len(a))
	for i, p := range a {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, " && ") + ")"
}
