package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/google/uuid"
)

// Logical tool names
const (
	ToolBWA      = "bwa"
	ToolMinimap2 = "minimap2"
	ToolSamtools = "samtools"
)

// AlignmentRequest selects an aligner for one read set. Reads holds one
// file for single-end and two files for paired-end alignment.
type AlignmentRequest struct {
	Name          string   `json:"name,omitempty" hcl:"name,label"`
	Aligner       string   `json:"aligner" hcl:"aligner"`
	Reads         []string `json:"reads" hcl:"reads"`
	DiscoverIndex bool     `json:"discover_index,omitempty" hcl:"discover_index,optional"`
}

// Request describes a pipeline run
type Request struct {
	Reference  string             `json:"reference"`
	OutputDir  string             `json:"output_dir,omitempty"`
	Alignments []AlignmentRequest `json:"alignments"`
}

// Builder constructs pipelines from run requests
type Builder struct {
	tools     map[string]string
	threads   int
	outputDir string
	validator *Validator
}

// NewBuilder creates a builder. tools maps logical tool names to the
// paths used to invoke them; names missing from the map are invoked as is.
func NewBuilder(tools map[string]string, threads int, outputDir string, validator *Validator) *Builder {
	resolved := make(map[string]string, len(tools))
	for name, path := range tools {
		if path == "" {
			path = name
		}
		resolved[name] = path
	}
	if threads < 1 {
		threads = 1
	}
	if validator == nil {
		validator = NewValidator()
	}
	return &Builder{
		tools:     resolved,
		threads:   threads,
		outputDir: outputDir,
		validator: validator,
	}
}

// ToolPath returns the invocation path of a logical tool
func (b *Builder) ToolPath(tool string) string {
	if path, ok := b.tools[tool]; ok {
		return path
	}
	return tool
}

// Build validates the request and returns the corresponding pipeline
func (b *Builder) Build(req Request) (*domain.Pipeline, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	outDir := req.OutputDir
	if outDir == "" {
		outDir = b.outputDir
	}

	p := &domain.Pipeline{
		ID:        uuid.New().String(),
		Reference: req.Reference,
		OutputDir: outDir,
		Inputs:    make(map[string]*domain.Artifact),
		Declared:  make(map[string]*domain.Artifact),
	}
	p.Inputs[referenceArtifactName()] = &domain.Artifact{
		Name: referenceArtifactName(),
		Path: req.Reference,
		Kind: domain.ArtifactKindReference,
	}

	indexed := make(map[domain.Aligner]bool)
	for i, a := range req.Alignments {
		aligner, _ := domain.ParseAligner(a.Aligner)
		name := alignmentName(a, i)

		if !indexed[aligner] {
			indexed[aligner] = true
			p.Stages = append(p.Stages, b.indexStage(p, aligner, outDir))
		}
		p.Stages = append(p.Stages, b.alignStage(p, aligner, name, a, outDir))
	}

	if err := b.validator.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func alignmentName(a AlignmentRequest, i int) string {
	if a.Name != "" {
		return a.Name
	}
	mode := "single"
	if len(a.Reads) == 2 {
		mode = "paired"
	}
	return fmt.Sprintf("%s-%s-%d", a.Aligner, mode, i+1)
}

func (b *Builder) indexStage(p *domain.Pipeline, aligner domain.Aligner, outDir string) *domain.Stage {
	id := indexStageID(aligner)
	out := &domain.Artifact{
		Name:     indexArtifactName(aligner),
		Path:     filepath.Join(outDir, string(aligner), IndexFileName(aligner, p.Reference)),
		Kind:     domain.ArtifactKindIndex,
		Dir:      aligner == domain.AlignerBWA,
		Producer: id,
	}
	p.Declared[out.Name] = out

	var cmd domain.CommandTemplate
	switch aligner {
	case domain.AlignerBWA:
		cmd = b.command(ToolBWA,
			domain.Lit("index"),
			domain.Lit("-p"), domain.RefMember(out.Name, BaseName(p.Reference)),
			domain.Ref(referenceArtifactName()))
	case domain.AlignerMinimap2:
		cmd = b.command(ToolMinimap2,
			domain.Lit("-t"), domain.Lit(strconv.Itoa(b.threads)),
			domain.Lit("-d"), domain.Ref(out.Name),
			domain.Ref(referenceArtifactName()))
	}

	return &domain.Stage{
		ID:       id,
		Kind:     domain.StageKindIndex,
		Aligner:  aligner,
		Inputs:   []string{referenceArtifactName()},
		Outputs:  []string{out.Name},
		Commands: []domain.CommandTemplate{cmd},
	}
}

func (b *Builder) alignStage(p *domain.Pipeline, aligner domain.Aligner, name string, a AlignmentRequest, outDir string) *domain.Stage {
	id := alignStageID(name)
	indexName := indexArtifactName(aligner)

	inputs := []string{referenceArtifactName()}
	var readArgs []domain.Arg
	for mate, path := range a.Reads {
		readsName := readsArtifactName(name, mate+1)
		p.Inputs[readsName] = &domain.Artifact{
			Name: readsName,
			Path: path,
			Kind: domain.ArtifactKindReads,
		}
		inputs = append(inputs, readsName)
		readArgs = append(readArgs, domain.Ref(readsName))
	}
	inputs = append(inputs, indexName)

	out := &domain.Artifact{
		Name:     alignmentArtifactName(name),
		Path:     filepath.Join(outDir, string(aligner), AlignmentFileName(aligner, p.Reference, a.Reads)),
		Kind:     domain.ArtifactKindAlignment,
		Producer: id,
	}
	p.Declared[out.Name] = out

	stage := &domain.Stage{
		ID:      id,
		Aligner: aligner,
		Inputs:  inputs,
		Outputs: []string{out.Name},
	}

	var indexArg domain.Arg
	switch {
	case a.DiscoverIndex:
		indexArg = domain.DiscoveredIndex()
		stage.IndexQuery = &domain.IndexQuery{
			Producer: indexStageID(aligner),
			Pattern:  indexPattern(aligner),
			TrimExt:  aligner == domain.AlignerBWA,
		}
	case aligner == domain.AlignerBWA:
		indexArg = domain.RefMember(indexName, BaseName(p.Reference))
	default:
		indexArg = domain.Ref(indexName)
	}

	threads := strconv.Itoa(b.threads)
	var alignArgs []domain.Arg
	switch aligner {
	case domain.AlignerBWA:
		alignArgs = []domain.Arg{domain.Lit("mem"), domain.Lit("-t"), domain.Lit(threads), indexArg}
	case domain.AlignerMinimap2:
		preset := "-a"
		if len(a.Reads) == 2 {
			preset = "-ax"
		}
		alignArgs = []domain.Arg{domain.Lit("-t"), domain.Lit(threads), domain.Lit(preset)}
		if len(a.Reads) == 2 {
			alignArgs = append(alignArgs, domain.Lit("sr"))
		}
		alignArgs = append(alignArgs, indexArg)
	}
	alignArgs = append(alignArgs, readArgs...)
	align := b.command(string(aligner), alignArgs...)

	if len(a.Reads) == 1 {
		stage.Kind = domain.StageKindAlignSingle
		stage.Commands = []domain.CommandTemplate{
			align,
			b.command(ToolSamtools, domain.Lit("sort"), domain.Lit("-o"), domain.Ref(out.Name), domain.Lit("-")),
		}
	} else {
		stage.Kind = domain.StageKindAlignPaired
		stage.Commands = []domain.CommandTemplate{
			align,
			b.command(ToolSamtools, domain.Lit("sort"), domain.Lit("-")),
			b.command(ToolSamtools, domain.Lit("view"), domain.Lit("-b"), domain.Lit("-o"), domain.Ref(out.Name), domain.Lit("-")),
		}
	}
	return stage
}

func (b *Builder) command(tool string, args ...domain.Arg) domain.CommandTemplate {
	return domain.CommandTemplate{
		Tool: tool,
		Path: b.ToolPath(tool),
		Args: args,
	}
}

// ValidateRequest checks a run request before any stage is built
func ValidateRequest(req Request) error {
	if strings.TrimSpace(req.Reference) == "" {
		return fmt.Errorf("%w: reference is required", domain.ErrInvalidPipeline)
	}
	if len(req.Alignments) == 0 {
		return fmt.Errorf("%w: at least one alignment is required", domain.ErrInvalidPipeline)
	}

	names := make(map[string]bool)
	for i, a := range req.Alignments {
		if _, err := domain.ParseAligner(a.Aligner); err != nil {
			return fmt.Errorf("%w: alignment %d: %v", domain.ErrInvalidPipeline, i+1, err)
		}
		if len(a.Reads) != 1 && len(a.Reads) != 2 {
			return fmt.Errorf("%w: alignment %d: expected 1 (single-end) or 2 (paired-end) read files, got %d",
				domain.ErrInvalidPipeline, i+1, len(a.Reads))
		}
		for _, r := range a.Reads {
			if strings.TrimSpace(r) == "" {
				return fmt.Errorf("%w: alignment %d: empty read file path", domain.ErrInvalidPipeline, i+1)
			}
		}
		if strings.ContainsAny(a.Name, `/\`) {
			return fmt.Errorf("%w: alignment name %q must not contain path separators", domain.ErrInvalidPipeline, a.Name)
		}
		name := alignmentName(a, i)
		if names[name] {
			return fmt.Errorf("%w: duplicate alignment name: %s", domain.ErrInvalidPipeline, name)
		}
		names[name] = true
	}
	return nil
}
