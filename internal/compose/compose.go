// Package compose writes the title and body of a firing.
//
// Every trigger carries text/template copy in the catalog. The template
// composer renders it against a small view of the user context; the LLM
// composer rewrites that draft through a language model and falls back to
// it whenever the model fails.
package compose

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"text/template"

	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// Copy sources.
const (
	SourceTemplate = "template"
	SourceLLM      = "llm"
)

// Copy is the user-facing text of a firing.
type Copy struct {
	Title  string
	Body   string
	Source string
}

// Composer produces the copy of a trigger for a user.
type Composer interface {
	Compose(ctx context.Context, def registry.Definition, uc usercontext.UserContext) (Copy, error)
}

// Data is what catalog templates can reference.
type Data struct {
	Methodology         string
	Streak              int
	NextMilestone       int
	SessionsToday       int
	FocusMinutesToday   int
	FocusMinutesWeek    int
	TasksOpen           int
	TasksCompletedToday int
}

// DataFor builds the template data of def for uc. Cross triggers name
// their related methodology, or the user's current one.
func DataFor(def registry.Definition, uc usercontext.UserContext) Data {
	m := def.RankMethodology()
	if m == "" {
		m = uc.Current()
	}
	t := uc.Totals()
	d := Data{
		Streak:              uc.Streak(),
		NextMilestone:       usercontext.NextStreakMilestone(uc.Streak()),
		SessionsToday:       t.SessionsToday,
		FocusMinutesToday:   int(math.Round(t.FocusMinutesToday)),
		FocusMinutesWeek:    int(math.Round(t.FocusMinutesWeek)),
		TasksOpen:           t.TasksOpen,
		TasksCompletedToday: t.TasksCompletedToday,
	}
	if m != "" {
		d.Methodology = methodology.DisplayName(m)
	}
	return d
}

type parsed struct {
	title, body *template.Template
}

// Templates renders catalog copy. Parsed templates are cached by trigger
// id; Templates is safe for concurrent use.
type Templates struct {
	cache sync.Map // trigger id -> parsed
}

var _ Composer = (*Templates)(nil)

func NewTemplates() *Templates { return &Templates{} }

func (t *Templates) Compose(_ context.Context, def registry.Definition, uc usercontext.UserContext) (Copy, error) {
	p, err := t.parse(def)
	if err != nil {
		return Copy{}, err
	}
	data := DataFor(def, uc)
	title, err := render(p.title, data)
	if err != nil {
		return Copy{}, fmt.Errorf("render title of %s: %w", def.ID, err)
	}
	body, err := render(p.body, data)
	if err != nil {
		return Copy{}, fmt.Errorf("render body of %s: %w", def.ID, err)
	}
	return Copy{Title: title, Body: body, Source: SourceTemplate}, nil
}

func (t *Templates) parse(def registry.Definition) (parsed, error) {
	if v, ok := t.cache.Load(def.ID); ok {
		return v.(parsed), nil
	}
	title, err := template.New(def.ID + ".title").Option("missingkey=error").Parse(def.Title)
	if err != nil {
		return parsed{}, fmt.Errorf("parse title of %s: %w", def.ID, err)
	}
	body, err := template.New(def.ID + ".body").Option("missingkey=error").Parse(def.Body)
	if err != nil {
		return parsed{}, fmt.Errorf("parse body of %s: %w", def.ID, err)
	}
	p := parsed{title: title, body: body}
	t.cache.Store(def.ID, p)
	return p, nil
}

func render(tmpl *template.Template, data Data) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Check renders every definition against empty data and returns one
// problem per definition whose copy does not render.
func Check(defs []registry.Definition) []string {
	var problems []string
	for _, def := range defs {
		for _, part := range []struct{ name, text string }{{"title", def.Title}, {"body", def.Body}} {
			tmpl, err := template.New(def.ID).Option("missingkey=error").Parse(part.text)
			if err == nil {
				_, err = render(tmpl, Data{})
			}
			if err != nil {
				problems = append(problems, fmt.Sprintf("trigger %q: %s: %v", def.ID, part.name, err))
			}
		}
	}
	return problems
}
