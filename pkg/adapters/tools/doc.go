// Package tools provides external tool runner implementations.
//
// Implementations:
//   - process: OS processes connected by pipes, with pipefail exit semantics
package tools
