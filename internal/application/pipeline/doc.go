// Package pipeline builds and validates alignment pipelines.
//
// The builder turns a run request (reference, read sets, aligner
// selection) into a domain.Pipeline:
//   - one Index stage per distinct aligner
//   - one Align stage per read set, depending only on its aligner's Index stage
//   - command templates with named artifact slots instead of shell strings
//
// The validator rejects pipelines with undeclared inputs, colliding
// outputs, unbound template slots or dependency cycles.
package pipeline
