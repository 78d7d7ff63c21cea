// Package orchestrator executes alignment pipelines.
//
// The Scheduler runs one pipeline to completion: it promotes stages whose
// dependencies have succeeded, hands them to the shared worker pool,
// commits their outputs into a per-run artifact store and records every
// state change in the run report.
//
// The Manager is the entry point for run requests. It builds the
// pipeline, stores the initial report, publishes run events and drives
// the scheduler synchronously (CLI) or in the background (HTTP API).
package orchestrator
