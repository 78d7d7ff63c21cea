package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aescanero/alignflow/internal/application/pipeline"
	"github.com/aescanero/alignflow/internal/config"
	"github.com/aescanero/alignflow/internal/definition"
	"github.com/aescanero/alignflow/pkg/domain"
	"go.uber.org/zap"
)

// runOnce executes a single pipeline in process and writes the final
// report to stdout as JSON. It returns the process exit code.
func runOnce(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		defPath  = fs.String("pipeline", "", "HCL pipeline definition file")
		ref      = fs.String("ref", "", "reference FASTA file")
		reads    = fs.String("reads", "", "comma-separated read files (one for single-end, two for paired-end)")
		aligner  = fs.String("aligner", "bwa", "aligner: bwa or minimap2")
		name     = fs.String("name", "", "alignment name")
		outDir   = fs.String("out", "", "output directory (defaults to ALIGNFLOW_OUTPUT_DIR)")
		discover = fs.Bool("discover-index", false, "locate the index by file discovery")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	req, err := requestFromFlags(*defPath, *ref, *reads, *aligner, *name, *outDir, *discover)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alignflow run: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	c, err := newComponents(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := c.manager.Run(ctx, req)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()
	c.close(shutdownCtx)

	if report == nil {
		fmt.Fprintf(os.Stderr, "alignflow run: %v\n", runErr)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("failed to write report", zap.Error(err))
		return 1
	}

	if report.Status != domain.RunStatusSucceeded {
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "alignflow run: %v\n", runErr)
		}
		return 1
	}
	return 0
}

func requestFromFlags(defPath, ref, reads, aligner, name, outDir string, discover bool) (pipeline.Request, error) {
	if defPath != "" {
		req, err := definition.LoadFile(defPath)
		if err != nil {
			return pipeline.Request{}, err
		}
		if outDir != "" {
			req.OutputDir = outDir
		}
		return req, nil
	}

	var files []string
	for _, f := range strings.Split(reads, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	req := pipeline.Request{
		Reference: ref,
		OutputDir: outDir,
		Alignments: []pipeline.AlignmentRequest{{
			Name:          name,
			Aligner:       aligner,
			Reads:         files,
			DiscoverIndex: discover,
		}},
	}
	if err := pipeline.ValidateRequest(req); err != nil {
		return pipeline.Request{}, err
	}
	return req, nil
}
