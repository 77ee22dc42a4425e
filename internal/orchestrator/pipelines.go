package orchestrator

import (
	"os"
	"slices"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-assess/internal/model"
)

// DefaultPipeline is the name used when a submission names none.
const DefaultPipeline = "full"

// Pipelines maps a pipeline name to its ordered task kinds.
type Pipelines map[string][]model.TaskKind

type pipelinesFile struct {
	Pipelines map[string][]string `yaml:"pipelines"`
}

// LoadPipelines reads named pipelines from a YAML file of the form
//
//	pipelines:
//	  full: [performance, security, business_profile, seo, screenshot, content]
//	  quick: [security, seo]
//
// fallback becomes the "full" pipeline when the file does not define one.
// An empty path yields just the fallback.
func LoadPipelines(path string, fallback []model.TaskKind) (Pipelines, error) {
	p := Pipelines{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "pipelines: read %s", path)
		}
		var f pipelinesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrapf(err, "pipelines: parse %s", path)
		}
		for name, kinds := range f.Pipelines {
			parsed, err := ParseKinds(kinds)
			if err != nil {
				return nil, eris.Wrapf(err, "pipelines: %s", name)
			}
			p[name] = parsed
		}
	}
	if _, ok := p[DefaultPipeline]; !ok {
		p[DefaultPipeline] = slices.Clone(fallback)
	}
	return p, nil
}

// Resolve returns a copy of the named pipeline.
func (p Pipelines) Resolve(name string) ([]model.TaskKind, error) {
	if name == "" {
		name = DefaultPipeline
	}
	kinds, ok := p[name]
	if !ok {
		return nil, eris.Errorf("pipelines: unknown pipeline %q", name)
	}
	return slices.Clone(kinds), nil
}

// Names returns the pipeline names sorted.
func (p Pipelines) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ParseKinds converts names to task kinds, rejecting unknown and duplicate
// kinds.
func ParseKinds(names []string) ([]model.TaskKind, error) {
	out := make([]model.TaskKind, 0, len(names))
	for _, n := range names {
		k := model.TaskKind(n)
		if !k.Valid() {
			return nil, eris.Errorf("unknown task kind %q", n)
		}
		if slices.Contains(out, k) {
			return nil, eris.Errorf("duplicate task kind %q", n)
		}
		out = append(out, k)
	}
	return out, nil
}
