// Package artifacts implements the process-scoped artifact store used by a
// single pipeline run.
//
// The store maps logical artifact names to file-system paths. Pipeline
// inputs are seeded when the run starts; every produced artifact is
// published exactly once by its producing stage. Files are written to a
// sibling staging path and renamed into place before the artifact is
// registered, so concurrent readers see either the complete artifact or
// nothing at all.
package artifacts
