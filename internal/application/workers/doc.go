// Package workers implements the shared worker pool that executes stages.
//
// The pool runs a fixed number of goroutines pulling jobs from a single
// unbuffered channel, so its size bounds how many external tool pipes
// run at once across every active run. Submit blocks until a worker is
// free. The health monitor samples worker status and records it as
// metrics.
package workers
