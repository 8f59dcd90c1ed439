package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Spec is the declarative (YAML) form of a predicate. Exactly one variant
// must be set.
type Spec struct {
	All           []Spec             `yaml:"all,omitempty"`
	Compare       *CompareSpec       `yaml:"compare,omitempty"`
	CompareFields *CompareFieldsSpec `yaml:"compare_fields,omitempty"`
	Window        *WindowSpec        `yaml:"window,omitempty"`
	Elapsed       *ElapsedSpec       `yaml:"elapsed,omitempty"`
}

type CompareSpec struct {
	Field string  `yaml:"field"`
	Op    string  `yaml:"op"`
	Value float64 `yaml:"value"`
}

type CompareFieldsSpec struct {
	Left   string  `yaml:"left"`
	Op     string  `yaml:"op"`
	Right  string  `yaml:"right"`
	Factor float64 `yaml:"factor,omitempty"`
}

type WindowSpec struct {
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
	Weekdays []string `yaml:"weekdays,omitempty"`
}

type ElapsedSpec struct {
	Field   string `yaml:"field"`
	Min     string `yaml:"min,omitempty"`
	Max     string `yaml:"max,omitempty"`
	IfNever *bool  `yaml:"if_never,omitempty"`
}

// Compile validates the spec and builds its Predicate.
func (s Spec) Compile() (Predicate, error) {
	set := 0
	if s.All != nil {
		set++
	}
	if s.Compare != nil {
		set++
	}
	if s.CompareFields != nil {
		set++
	}
	if s.Window != nil {
		set++
	}
	if s.Elapsed != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("condition must set exactly one of all/compare/compare_fields/window/elapsed, got %d", set)
	}

	switch {
	case s.All != nil:
		all := make(All, 0, len(s.All))
		for i, sub := range s.All {
			p, err := sub.Compile()
			if err != nil {
				return nil, fmt.Errorf("all[%d]: %w", i, err)
			}
			all = append(all, p)
		}
		return all, nil

	case s.Compare != nil:
		c := s.Compare
		if c.Field == "" {
			return nil, fmt.Errorf("compare: field is required")
		}
		op := Op(c.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("compare %s: unknown operator %q", c.Field, c.Op)
		}
		return Compare{Field: c.Field, Op: op, Value: c.Value}, nil

	case s.CompareFields != nil:
		c := s.CompareFields
		if c.Left == "" || c.Right == "" {
			return nil, fmt.Errorf("compare_fields: left and right are required")
		}
		op := Op(c.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("compare_fields %s: unknown operator %q", c.Left, c.Op)
		}
		if c.Factor < 0 {
			return nil, fmt.Errorf("compare_fields %s: factor must be >= 0", c.Left)
		}
		return CompareFields{Left: c.Left, Op: op, Right: c.Right, Factor: c.Factor}, nil

	case s.Window != nil:
		return compileWindow(*s.Window)

	default:
		return compileElapsed(*s.Elapsed)
	}
}

func compileWindow(w WindowSpec) (Predicate, error) {
	start, err := ParseClock(w.Start)
	if err != nil {
		return nil, fmt.Errorf("window start: %w", err)
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return nil, fmt.Errorf("window end: %w", err)
	}
	out := Window{Start: start, End: end}
	for _, d := range w.Weekdays {
		wd, err := parseWeekday(d)
		if err != nil {
			return nil, err
		}
		out.Weekdays = append(out.Weekdays, wd)
	}
	return out, nil
}

func compileElapsed(e ElapsedSpec) (Predicate, error) {
	if e.Field == "" {
		return nil, fmt.Errorf("elapsed: field is required")
	}
	out := Elapsed{Field: e.Field, IfNever: e.IfNever}
	var err error
	if e.Min != "" {
		if out.Min, err = ParseDuration(e.Min); err != nil {
			return nil, fmt.Errorf("elapsed %s min: %w", e.Field, err)
		}
	}
	if e.Max != "" {
		if out.Max, err = ParseDuration(e.Max); err != nil {
			return nil, fmt.Errorf("elapsed %s max: %w", e.Field, err)
		}
	}
	if out.Max > 0 && out.Max <= out.Min {
		return nil, fmt.Errorf("elapsed %s: max %s must exceed min %s", e.Field, out.Max, out.Min)
	}
	return out, nil
}

// ParseClock parses "HH:MM" into a minute-of-day. "24:00" is accepted as
// the end of day.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return (hh*60 + mm) % (24 * 60), nil
}

// ParseDuration extends time.ParseDuration with a whole-day suffix, e.g.
// "7d" or "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var days time.Duration
	if i := strings.Index(s, "d"); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return days + d, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
