// Package storage provides run report storage implementations.
//
// Implementations:
//   - redis: JSON reports with a TTL, shared between processes
//   - memory: process-local map, the default for the CLI and tests
package storage
