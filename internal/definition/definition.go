// Package definition loads run requests from HCL pipeline files.
//
// A definition names the reference, an optional output directory and one
// alignment block per read set:
//
//	reference  = "data/ref.fa"
//	output_dir = "${env.SCRATCH}/out"
//
//	alignment "sample" {
//	  aligner = "bwa"
//	  reads   = ["data/sample_R1.fastq", "data/sample_R2.fastq"]
//	}
//
// Environment variables are available as env.NAME. Relative paths are
// resolved against the directory holding the file.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aescanero/alignflow/internal/application/pipeline"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// File is the decoded form of a pipeline definition
type File struct {
	Reference  string                      `hcl:"reference"`
	OutputDir  string                      `hcl:"output_dir,optional"`
	Alignments []pipeline.AlignmentRequest `hcl:"alignment,block"`
}

// LoadFile reads and decodes the definition at path using the process
// environment.
func LoadFile(path string) (pipeline.Request, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("failed to read definition: %w", err)
	}
	return Parse(src, path, os.Environ())
}

// Parse decodes a definition. filename is used in diagnostics and as the
// base for relative paths; environ holds KEY=value pairs exposed as env.
func Parse(src []byte, filename string, environ []string) (pipeline.Request, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return pipeline.Request{}, fmt.Errorf("failed to parse definition %s: %s", filename, diags.Error())
	}

	var def File
	diags = gohcl.DecodeBody(file.Body, evalContext(environ), &def)
	if diags.HasErrors() {
		return pipeline.Request{}, fmt.Errorf("failed to decode definition %s: %s", filename, diags.Error())
	}

	base := filepath.Dir(filename)
	req := pipeline.Request{
		Reference:  resolve(base, def.Reference),
		OutputDir:  resolve(base, def.OutputDir),
		Alignments: def.Alignments,
	}
	for i := range req.Alignments {
		reads := make([]string, len(req.Alignments[i].Reads))
		for j, r := range req.Alignments[i].Reads {
			reads[j] = resolve(base, r)
		}
		req.Alignments[i].Reads = reads
	}

	if err := pipeline.ValidateRequest(req); err != nil {
		return pipeline.Request{}, fmt.Errorf("definition %s: %w", filename, err)
	}
	return req, nil
}

func evalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !hclIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}

	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

// hclIdentifier reports whether name can be used as env.NAME
func hclIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
