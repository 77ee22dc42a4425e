package collector

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
)

// Registry maps task kinds to their collectors.
type Registry struct {
	tasks map[model.TaskKind]Task
}

// NewRegistry creates a Registry holding tasks. A later task replaces an
// earlier one of the same kind.
func NewRegistry(tasks ...Task) *Registry {
	r := &Registry{tasks: make(map[model.TaskKind]Task, len(tasks))}
	for _, t := range tasks {
		r.Register(t)
	}
	return r
}

// Register adds or replaces the collector for t.Kind().
func (r *Registry) Register(t Task) {
	r.tasks[t.Kind()] = t
}

// Get returns the collector for kind.
func (r *Registry) Get(kind model.TaskKind) (Task, bool) {
	t, ok := r.tasks[kind]
	return t, ok
}

// Kinds returns the registered kinds in canonical pipeline order.
func (r *Registry) Kinds() []model.TaskKind {
	var out []model.TaskKind
	for _, k := range model.AllTaskKinds {
		if _, ok := r.tasks[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Resolve validates a pipeline and returns its collectors in order. Unknown,
// unregistered, and duplicate kinds are rejected.
func (r *Registry) Resolve(pipeline []model.TaskKind) ([]Task, error) {
	var problems []string
	seen := make(map[model.TaskKind]bool, len(pipeline))
	tasks := make([]Task, 0, len(pipeline))
	for _, k := range pipeline {
		switch {
		case !k.Valid():
			problems = append(problems, fmt.Sprintf("unknown task kind %q", k))
		case seen[k]:
			problems = append(problems, fmt.Sprintf("duplicate task kind %q", k))
		default:
			t, ok := r.tasks[k]
			if !ok {
				problems = append(problems, fmt.Sprintf("no collector registered for %q", k))
				break
			}
			tasks = append(tasks, t)
		}
		seen[k] = true
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return nil, eris.Errorf("collector: invalid pipeline: %s", strings.Join(slices.Compact(problems), "; "))
	}
	return tasks, nil
}
