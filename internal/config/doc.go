// Package config provides configuration management for alignflow.
//
// Settings come from environment variables. Tool paths (TOOL_BWA,
// TOOL_MINIMAP2, TOOL_SAMTOOLS) are resolved once when a pipeline is
// built; STORAGE_BACKEND selects in-memory or Redis reports and events.
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	builder := pipeline.NewBuilder(cfg.ToolPaths(), cfg.Tools.Threads, cfg.OutputDir, nil)
package config
