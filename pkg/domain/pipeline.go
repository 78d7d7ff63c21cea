package domain

import "sort"

// Pipeline is the full set of stages plus the artifacts they exchange.
//
// Inputs holds the externally supplied artifacts (reference, reads).
// Declared holds every artifact a stage will produce, keyed by name.
// Dependency edges are implied: a stage depends on the producer of each
// of its inputs.
type Pipeline struct {
	ID        string               `json:"id"`
	Reference string               `json:"reference"`
	OutputDir string               `json:"output_dir"`
	Inputs    map[string]*Artifact `json:"inputs"`
	Declared  map[string]*Artifact `json:"declared"`
	Stages    []*Stage             `json:"stages"`
}

// Stage returns the stage with the given id
func (p *Pipeline) Stage(id string) (*Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Producer returns the id of the stage producing the named artifact, or
// "" for pipeline inputs and unknown names.
func (p *Pipeline) Producer(name string) string {
	if a, ok := p.Declared[name]; ok {
		return a.Producer
	}
	return ""
}

// Dependencies returns the sorted ids of the stages that id depends on
func (p *Pipeline) Dependencies(id string) []string {
	s, ok := p.Stage(id)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var deps []string
	for _, in := range s.Inputs {
		producer := p.Producer(in)
		if producer == "" || producer == id || seen[producer] {
			continue
		}
		seen[producer] = true
		deps = append(deps, producer)
	}
	sort.Strings(deps)
	return deps
}

// Dependents returns the sorted ids of the stages depending on id
func (p *Pipeline) Dependents(id string) []string {
	var out []string
	for _, s := range p.Stages {
		if s.ID == id {
			continue
		}
		for _, dep := range p.Dependencies(s.ID) {
			if dep == id {
				out = append(out, s.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Artifact returns the input or declared artifact with the given name
func (p *Pipeline) Artifact(name string) (*Artifact, bool) {
	if a, ok := p.Inputs[name]; ok {
		return a, true
	}
	a, ok := p.Declared[name]
	return a, ok
}
