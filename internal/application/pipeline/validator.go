package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aescanero/alignflow/pkg/domain"
)

// Validator validates pipeline structures
type Validator struct{}

// NewValidator creates a new pipeline validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks that every stage input is available, every output has
// exactly one producer, no two artifacts share a path, every template
// slot is bound to a declared artifact and the dependency graph is acyclic.
func (v *Validator) Validate(p *domain.Pipeline) error {
	if p == nil {
		return invalidf("pipeline is nil")
	}
	if len(p.Stages) == 0 {
		return invalidf("pipeline must have at least one stage")
	}

	stageIDs := make(map[string]bool)
	for _, s := range p.Stages {
		if s == nil || s.ID == "" {
			return invalidf("stage ID is required")
		}
		if stageIDs[s.ID] {
			return invalidf("duplicate stage ID: %s", s.ID)
		}
		stageIDs[s.ID] = true
	}

	for name := range p.Inputs {
		if _, dup := p.Declared[name]; dup {
			return invalidf("artifact %s is both a pipeline input and a stage output", name)
		}
	}

	produced := make(map[string]string)
	for _, s := range p.Stages {
		if err := v.validateStage(p, s, produced); err != nil {
			return fmt.Errorf("stage %s: %w", s.ID, err)
		}
	}

	for name, a := range p.Declared {
		if produced[name] == "" {
			return invalidf("declared artifact %s has no producing stage", name)
		}
		if a.Producer != produced[name] {
			return invalidf("artifact %s declares producer %s but is produced by %s", name, a.Producer, produced[name])
		}
	}

	if err := validatePaths(p); err != nil {
		return err
	}

	return detectCycles(p)
}

// validateStage validates a single stage
func (v *Validator) validateStage(p *domain.Pipeline, s *domain.Stage, produced map[string]string) error {
	if len(s.Commands) == 0 {
		return invalidf("stage has no commands")
	}
	if len(s.Outputs) == 0 {
		return invalidf("stage declares no outputs")
	}

	inputs := make(map[string]bool, len(s.Inputs))
	for _, in := range s.Inputs {
		if _, ok := p.Artifact(in); !ok {
			return invalidf("input %s is neither a pipeline input nor produced by any stage", in)
		}
		inputs[in] = true
	}

	outputs := make(map[string]bool, len(s.Outputs))
	for _, out := range s.Outputs {
		if _, ok := p.Declared[out]; !ok {
			return invalidf("output %s is not declared", out)
		}
		if prev, ok := produced[out]; ok {
			return invalidf("output %s is already produced by %s", out, prev)
		}
		if inputs[out] {
			return invalidf("output %s is also an input", out)
		}
		produced[out] = s.ID
		outputs[out] = true
	}

	for i, cmd := range s.Commands {
		if cmd.Tool == "" {
			return invalidf("command %d has no tool", i)
		}
		for _, arg := range cmd.Args {
			if err := validateArg(s, arg, inputs, outputs); err != nil {
				return fmt.Errorf("command %d (%s): %w", i, cmd.Tool, err)
			}
		}
	}

	if q := s.IndexQuery; q != nil {
		if q.Pattern == "" {
			return invalidf("index query has no pattern")
		}
		if _, err := filepath.Match(q.Pattern, ""); err != nil {
			return invalidf("index query pattern %q: %v", q.Pattern, err)
		}
		isDep := false
		for _, in := range s.Inputs {
			if p.Producer(in) == q.Producer {
				isDep = true
				break
			}
		}
		if !isDep {
			return invalidf("index query producer %s is not a dependency", q.Producer)
		}
	}
	return nil
}

func validateArg(s *domain.Stage, arg domain.Arg, inputs, outputs map[string]bool) error {
	set := 0
	if arg.Literal != "" {
		set++
	}
	if arg.Artifact != "" {
		set++
	}
	if arg.Index {
		set++
	}
	if set != 1 {
		return invalidf("argument must set exactly one of literal, artifact or index")
	}
	if arg.Member != "" && arg.Artifact == "" {
		return invalidf("argument member %q without artifact", arg.Member)
	}
	if arg.Artifact != "" && !inputs[arg.Artifact] && !outputs[arg.Artifact] {
		return invalidf("argument references undeclared artifact %s", arg.Artifact)
	}
	if arg.Index && s.IndexQuery == nil {
		return invalidf("argument uses the discovered index but the stage has no index query")
	}
	return nil
}

// validatePaths rejects stage outputs that would overwrite each other or
// a pipeline input.
func validatePaths(p *domain.Pipeline) error {
	owners := make(map[string]string)
	for name, a := range p.Inputs {
		owners[filepath.Clean(a.Path)] = name
	}

	names := make([]string, 0, len(p.Declared))
	for name := range p.Declared {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Clean(p.Declared[name].Path)
		if prev, ok := owners[path]; ok {
			return invalidf("output collision: %s and %s both resolve to %s", prev, name, path)
		}
		owners[path] = name
	}
	return nil
}

// detectCycles runs Kahn's algorithm over the implied stage dependencies
func detectCycles(p *domain.Pipeline) error {
	indeg := make(map[string]int, len(p.Stages))
	for _, s := range p.Stages {
		indeg[s.ID] = len(p.Dependencies(s.ID))
	}

	var queue []string
	for _, s := range p.Stages {
		if indeg[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range p.Dependents(id) {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited == len(p.Stages) {
		return nil
	}

	var stuck []string
	for _, s := range p.Stages {
		if indeg[s.ID] > 0 {
			stuck = append(stuck, s.ID)
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("%w: %s", domain.ErrCycle, strings.Join(stuck, ", "))
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidPipeline, fmt.Sprintf(format, args...))
}
