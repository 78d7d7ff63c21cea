// Package domain defines the types shared by the alignment orchestrator:
// artifacts, stages, pipelines, stage states, run reports, events and the
// error taxonomy.
//
// A Pipeline is a set of Stages connected through the artifacts they
// consume and produce. An Index stage turns a reference into an index
// artifact; Align stages consume the reference, the reads and the index
// and produce a sorted BAM alignment artifact.
package domain
