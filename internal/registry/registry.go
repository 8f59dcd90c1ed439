// Package registry holds the read-only catalog of coaching triggers.
//
// A Registry is built once at process start and shared by every evaluation
// path; it is never mutated after construction, so concurrent reads need no
// synchronization.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/condition"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// ErrRegistryInvalid is returned when a catalog fails validation. The
// engine must not start with an invalid registry.
var ErrRegistryInvalid = errors.New("trigger registry invalid")

//go:embed catalog.yaml
var defaultCatalog []byte

// Registry is an immutable trigger catalog.
type Registry struct {
	defs          []Definition
	byID          map[string]int
	byMethodology map[methodology.Methodology][]Definition
}

type catalogFile struct {
	Triggers []triggerSpec `yaml:"triggers"`
}

type triggerSpec struct {
	ID          string         `yaml:"id"`
	Methodology string         `yaml:"methodology"`
	Priority    int            `yaml:"priority"`
	Channel     string         `yaml:"channel"`
	Cooldown    string         `yaml:"cooldown"`
	MaxPerDay   int            `yaml:"max_per_day"`
	Gate        string         `yaml:"gate,omitempty"`
	Related     string         `yaml:"related,omitempty"`
	Title       string         `yaml:"title"`
	Body        string         `yaml:"body"`
	When        condition.Spec `yaml:"when"`
}

// Default loads the embedded catalog.
func Default() (*Registry, error) {
	return Load(defaultCatalog)
}

// DefaultCatalog returns a copy of the embedded catalog source.
func DefaultCatalog() []byte {
	return bytes.Clone(defaultCatalog)
}

// Load parses a YAML catalog and validates it. Every problem found is
// reported in a single ErrRegistryInvalid error.
func Load(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file catalogFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse catalog: %v", ErrRegistryInvalid, err)
	}

	var errs []string
	defs := make([]Definition, 0, len(file.Triggers))
	for i, ts := range file.Triggers {
		def, problems := ts.definition()
		for _, p := range problems {
			errs = append(errs, fmt.Sprintf("trigger %d (%q): %s", i, ts.ID, p))
		}
		defs = append(defs, def)
	}
	errs = append(errs, validateDefinitions(defs)...)
	if len(errs) > 0 {
		return nil, invalid(errs)
	}
	return build(defs), nil
}

// New builds a Registry from already-compiled definitions.
func New(defs []Definition) (*Registry, error) {
	if errs := validateDefinitions(defs); len(errs) > 0 {
		return nil, invalid(errs)
	}
	cp := make([]Definition, len(defs))
	copy(cp, defs)
	return build(cp), nil
}

func (ts triggerSpec) definition() (Definition, []string) {
	var problems []string
	def := Definition{
		ID:          ts.ID,
		Methodology: methodology.Methodology(ts.Methodology),
		Priority:    ts.Priority,
		Channel:     channel.Channel(ts.Channel),
		MaxPerDay:   ts.MaxPerDay,
		Gate:        Gate(ts.Gate),
		Related:     methodology.Methodology(ts.Related),
		Title:       ts.Title,
		Body:        ts.Body,
	}
	if def.Gate == "" {
		def.Gate = GateUnlocked
		if def.IsCross() {
			def.Gate = GateNone
		}
	}
	if ts.Cooldown != "" {
		d, err := condition.ParseDuration(ts.Cooldown)
		if err != nil {
			problems = append(problems, fmt.Sprintf("cooldown: %v", err))
		}
		def.Cooldown = d
	}
	pred, err := ts.When.Compile()
	if err != nil {
		problems = append(problems, fmt.Sprintf("when: %v", err))
		pred = condition.All{}
	}
	def.Condition = pred
	return def, problems
}

func build(defs []Definition) *Registry {
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	r := &Registry{
		defs:          defs,
		byID:          make(map[string]int, len(defs)),
		byMethodology: make(map[methodology.Methodology][]Definition),
	}
	for i, d := range defs {
		r.byID[d.ID] = i
		r.byMethodology[d.Methodology] = append(r.byMethodology[d.Methodology], d)
	}
	for _, list := range r.byMethodology {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority > list[j].Priority
			}
			return list[i].ID < list[j].ID
		})
	}
	return r
}

func invalid(errs []string) error {
	return fmt.Errorf("%w:\n  %s", ErrRegistryInvalid, joinLines(errs))
}

// ByMethodology returns the triggers of m ordered by priority descending,
// then id.
func (r *Registry) ByMethodology(m methodology.Methodology) []Definition {
	list := r.byMethodology[m]
	out := make([]Definition, len(list))
	copy(out, list)
	return out
}

// Lookup returns the trigger with the given id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// All returns every trigger ordered by id.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Len returns the number of triggers.
func (r *Registry) Len() int { return len(r.defs) }

// MaxPriority returns the highest base priority in the catalog.
func (r *Registry) MaxPriority() int {
	top := 0
	for i, d := range r.defs {
		if i == 0 || d.Priority > top {
			top = d.Priority
		}
	}
	return top
}
