package pipeline

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aescanero/alignflow/pkg/domain"
)

var compressionExts = []string{".gz", ".bz2"}

// BaseName strips the directory, a compression suffix and one extension:
// "data/sample_R1.fastq.gz" becomes "sample_R1".
func BaseName(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range compressionExts {
		if strings.HasSuffix(lower, ext) && len(base) > len(ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	if ext := filepath.Ext(base); ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// AlignmentFileName derives the output file name of an Align stage.
//
// Single-end outputs are named from the reads, paired-end outputs from
// the reference; paired minimap2 output carries a "_sorted" suffix.
// Downstream file discovery depends on exactly these names.
func AlignmentFileName(aligner domain.Aligner, reference string, reads []string) string {
	if len(reads) == 1 {
		return BaseName(reads[0]) + ".bam"
	}
	if aligner == domain.AlignerMinimap2 {
		return BaseName(reference) + "_sorted.bam"
	}
	return BaseName(reference) + ".bam"
}

// IndexFileName derives the index artifact name: "<ref>.mmi" for
// minimap2, a directory "<ref>" of index files for bwa.
func IndexFileName(aligner domain.Aligner, reference string) string {
	if aligner == domain.AlignerMinimap2 {
		return BaseName(reference) + ".mmi"
	}
	return BaseName(reference)
}

func indexPattern(aligner domain.Aligner) string {
	if aligner == domain.AlignerMinimap2 {
		return "*.mmi"
	}
	return "*.bwt"
}

func referenceArtifactName() string { return "reference" }

func readsArtifactName(alignment string, mate int) string {
	return "reads/" + alignment + "/" + strconv.Itoa(mate)
}

func indexArtifactName(aligner domain.Aligner) string { return "index/" + string(aligner) }

func alignmentArtifactName(alignment string) string { return "alignment/" + alignment }

func indexStageID(aligner domain.Aligner) string { return "index-" + string(aligner) }

func alignStageID(alignment string) string { return "align-" + alignment }
