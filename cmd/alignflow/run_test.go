package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFromFlags(t *testing.T) {
	req, err := requestFromFlags("", "/data/ref.fa", "/data/s_R1.fq, /data/s_R2.fq", "minimap2", "s", "/out", true)
	require.NoError(t, err)

	assert.Equal(t, "/data/ref.fa", req.Reference)
	assert.Equal(t, "/out", req.OutputDir)
	require.Len(t, req.Alignments, 1)
	assert.Equal(t, "s", req.Alignments[0].Name)
	assert.Equal(t, "minimap2", req.Alignments[0].Aligner)
	assert.Equal(t, []string{"/data/s_R1.fq", "/data/s_R2.fq"}, req.Alignments[0].Reads)
	assert.True(t, req.Alignments[0].DiscoverIndex)
}

func TestRequestFromFlagsRejectsBadInput(t *testing.T) {
	_, err := requestFromFlags("", "", "/data/s_R1.fq", "bwa", "", "", false)
	assert.True(t, errors.Is(err, domain.ErrInvalidPipeline))

	_, err = requestFromFlags("", "/data/ref.fa", "a.fq,b.fq,c.fq", "bwa", "", "", false)
	assert.True(t, errors.Is(err, domain.ErrInvalidPipeline))
}

func TestRequestFromDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
reference = "/data/ref.fa"
output_dir = "/from-file"
alignment "s" {
  aligner = "bwa"
  reads   = ["/data/s_R1.fq"]
}
`), 0o644))

	req, err := requestFromFlags(path, "", "", "bwa", "", "/override", false)
	require.NoError(t, err)
	assert.Equal(t, "/data/ref.fa", req.Reference)
	assert.Equal(t, "/override", req.OutputDir)
	assert.Equal(t, "s", req.Alignments[0].Name)
}

func TestConsumerGroupDefaultsToProcess(t *testing.T) {
	assert.Equal(t, "alignflow-42", consumerGroup("", 42))
	assert.NotEqual(t, consumerGroup("", 42), consumerGroup("", 43))
	assert.Equal(t, "shared", consumerGroup("shared", 42))
}
