package pipeline

import (
	"errors"
	"testing"

	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain returns a -> b where a consumes "in" and produces "mid", and b
// consumes "mid" and produces "out".
func chain() *domain.Pipeline {
	return &domain.Pipeline{
		ID: "test",
		Inputs: map[string]*domain.Artifact{
			"in": {Name: "in", Path: "/data/in"},
		},
		Declared: map[string]*domain.Artifact{
			"mid": {Name: "mid", Path: "/out/mid", Producer: "a"},
			"out": {Name: "out", Path: "/out/out", Producer: "b"},
		},
		Stages: []*domain.Stage{
			{
				ID:      "a",
				Inputs:  []string{"in"},
				Outputs: []string{"mid"},
				Commands: []domain.CommandTemplate{
					{Tool: "cp", Path: "cp", Args: []domain.Arg{domain.Ref("in"), domain.Ref("mid")}},
				},
			},
			{
				ID:      "b",
				Inputs:  []string{"mid"},
				Outputs: []string{"out"},
				Commands: []domain.CommandTemplate{
					{Tool: "cp", Path: "cp", Args: []domain.Arg{domain.Ref("mid"), domain.Ref("out")}},
				},
			},
		},
	}
}

func TestValidatorAcceptsChain(t *testing.T) {
	require.NoError(t, NewValidator().Validate(chain()))
}

func TestValidatorRejectsInvalidPipelines(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *domain.Pipeline)
		msg    string
	}{
		{
			name:   "no stages",
			mutate: func(p *domain.Pipeline) { p.Stages = nil },
			msg:    "at least one stage",
		},
		{
			name:   "duplicate stage id",
			mutate: func(p *domain.Pipeline) { p.Stages[1].ID = "a" },
			msg:    "duplicate stage ID",
		},
		{
			name:   "unknown input",
			mutate: func(p *domain.Pipeline) { p.Stages[1].Inputs = []string{"ghost"} },
			msg:    "input ghost",
		},
		{
			name: "two producers",
			mutate: func(p *domain.Pipeline) {
				p.Stages[1].Outputs = []string{"mid"}
			},
			msg: "already produced by a",
		},
		{
			name: "undeclared output",
			mutate: func(p *domain.Pipeline) {
				p.Stages[1].Outputs = []string{"nowhere"}
			},
			msg: "output nowhere is not declared",
		},
		{
			name: "unbound argument",
			mutate: func(p *domain.Pipeline) {
				p.Stages[0].Commands[0].Args = append(p.Stages[0].Commands[0].Args, domain.Ref("out"))
			},
			msg: "undeclared artifact out",
		},
		{
			name: "ambiguous argument",
			mutate: func(p *domain.Pipeline) {
				p.Stages[0].Commands[0].Args[0] = domain.Arg{Literal: "x", Artifact: "in"}
			},
			msg: "exactly one of",
		},
		{
			name: "index argument without query",
			mutate: func(p *domain.Pipeline) {
				p.Stages[1].Commands[0].Args[0] = domain.DiscoveredIndex()
			},
			msg: "no index query",
		},
		{
			name: "index query on non-dependency",
			mutate: func(p *domain.Pipeline) {
				p.Stages[1].IndexQuery = &domain.IndexQuery{Producer: "elsewhere", Pattern: "*.mmi"}
			},
			msg: "not a dependency",
		},
		{
			name: "output overwrites input",
			mutate: func(p *domain.Pipeline) {
				p.Declared["out"].Path = "/data/in"
			},
			msg: "output collision",
		},
		{
			name: "input declared as output",
			mutate: func(p *domain.Pipeline) {
				p.Declared["in"] = &domain.Artifact{Name: "in", Path: "/x", Producer: "a"}
			},
			msg: "both a pipeline input and a stage output",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := chain()
			tc.mutate(p)
			err := NewValidator().Validate(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidPipeline), err.Error())
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestValidatorDetectsCycle(t *testing.T) {
	p := chain()
	// a now also needs b's output
	p.Stages[0].Inputs = append(p.Stages[0].Inputs, "out")

	err := NewValidator().Validate(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCycle))
	assert.Contains(t, err.Error(), "a, b")
}

func TestValidatorIndexQueryOnDependency(t *testing.T) {
	p := chain()
	p.Stages[1].IndexQuery = &domain.IndexQuery{Producer: "a", Pattern: "*.bwt", TrimExt: true}
	p.Stages[1].Commands[0].Args = append(p.Stages[1].Commands[0].Args, domain.DiscoveredIndex())

	assert.NoError(t, NewValidator().Validate(p))
}
