package domain

import "fmt"

// StageKind identifies what a stage does
type StageKind string

const (
	StageKindIndex       StageKind = "Index"
	StageKindAlignSingle StageKind = "AlignSingle"
	StageKindAlignPaired StageKind = "AlignPaired"
)

// Aligner names an alignment program family
type Aligner string

const (
	AlignerBWA      Aligner = "bwa"
	AlignerMinimap2 Aligner = "minimap2"
)

// ParseAligner validates an aligner selection
func ParseAligner(s string) (Aligner, error) {
	switch Aligner(s) {
	case AlignerBWA, AlignerMinimap2:
		return Aligner(s), nil
	default:
		return "", fmt.Errorf("unsupported aligner: %q (must be bwa or minimap2)", s)
	}
}

// Arg is one slot of a command template.
//
// Exactly one of Literal, Artifact or Index is set. Artifact substitutes
// the path of the named artifact, with Member joined below it when set.
// Index substitutes the path resolved by the stage's IndexQuery.
type Arg struct {
	Literal  string `json:"literal,omitempty"`
	Artifact string `json:"artifact,omitempty"`
	Member   string `json:"member,omitempty"`
	Index    bool   `json:"index,omitempty"`
}

// Lit returns a literal argument
func Lit(s string) Arg { return Arg{Literal: s} }

// Ref returns an argument bound to an artifact path
func Ref(name string) Arg { return Arg{Artifact: name} }

// RefMember returns an argument bound to a path below a directory artifact
func RefMember(name, member string) Arg { return Arg{Artifact: name, Member: member} }

// DiscoveredIndex returns an argument bound to the discovered index
func DiscoveredIndex() Arg { return Arg{Index: true} }

// CommandTemplate describes one external program invocation
type CommandTemplate struct {
	Tool string `json:"tool"`
	Path string `json:"path"`
	Args []Arg  `json:"args"`
}

// IndexQuery asks the artifact store for exactly one index file produced
// by Producer whose base name matches Pattern. With TrimExt the matched
// file's extension is removed, yielding an index prefix.
type IndexQuery struct {
	Producer string `json:"producer"`
	Pattern  string `json:"pattern"`
	TrimExt  bool   `json:"trim_ext,omitempty"`
}

// Stage is one unit of pipeline work. Commands form a pipe: the standard
// output of each command feeds the standard input of the next.
type Stage struct {
	ID         string            `json:"id"`
	Kind       StageKind         `json:"kind"`
	Aligner    Aligner           `json:"aligner"`
	Inputs     []string          `json:"inputs"`
	Outputs    []string          `json:"outputs"`
	Commands   []CommandTemplate `json:"commands"`
	IndexQuery *IndexQuery       `json:"index_query,omitempty"`
}

// Tools returns the logical tool names used by the stage, in pipe order
func (s *Stage) Tools() []string {
	tools := make([]string, 0, len(s.Commands))
	for _, c := range s.Commands {
		tools = append(tools, c.Tool)
	}
	return tools
}
