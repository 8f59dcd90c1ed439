package methodology

import "fmt"

// Methodology identifies a productivity technique.
type Methodology string

const (
	Pomodoro     Methodology = "pomodoro"
	Eisenhower   Methodology = "eisenhower"
	GTD          Methodology = "gtd"
	TimeBlocking Methodology = "time_blocking"
	EatTheFrog   Methodology = "eat_the_frog"
	Kanban       Methodology = "kanban"
	Pareto       Methodology = "pareto"
	Flowtime     Methodology = "flowtime"
	DeepWork     Methodology = "deep_work"
	IvyLee       Methodology = "ivy_lee"

	// Cross tags triggers whose conditions read aggregates across every
	// methodology. It is never a user-selectable methodology.
	Cross Methodology = "cross"
)

// All returns the user-selectable methodologies in unlock order.
func All() []Methodology {
	return []Methodology{
		Pomodoro,
		Eisenhower,
		TimeBlocking,
		EatTheFrog,
		GTD,
		Kanban,
		Pareto,
		Flowtime,
		DeepWork,
		IvyLee,
	}
}

// IsValid reports whether m is one of the ten selectable methodologies.
func (m Methodology) IsValid() bool {
	for _, known := range All() {
		if m == known {
			return true
		}
	}
	return false
}

// IsTriggerNamespace reports whether m may appear as a trigger's methodology.
func (m Methodology) IsTriggerNamespace() bool {
	return m == Cross || m.IsValid()
}

// Parse converts a string into a Methodology, rejecting unknown values.
func Parse(s string) (Methodology, error) {
	m := Methodology(s)
	if !m.IsTriggerNamespace() {
		return "", fmt.Errorf("unknown methodology %q", s)
	}
	return m, nil
}

// DisplayName returns a human-readable name for a methodology.
func DisplayName(m Methodology) string {
	switch m {
	case Pomodoro:
		return "Pomodoro"
	case Eisenhower:
		return "Eisenhower Matrix"
	case GTD:
		return "Getting Things Done"
	case TimeBlocking:
		return "Time Blocking"
	case EatTheFrog:
		return "Eat the Frog"
	case Kanban:
		return "Personal Kanban"
	case Pareto:
		return "Pareto 80/20"
	case Flowtime:
		return "Flowtime"
	case DeepWork:
		return "Deep Work"
	case IvyLee:
		return "Ivy Lee Method"
	case Cross:
		return "Cross-methodology"
	default:
		return string(m)
	}
}
