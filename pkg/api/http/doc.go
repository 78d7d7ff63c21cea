// Package http provides the HTTP REST API.
//
// The server exposes endpoints for:
//   - run submission, listing and cancellation
//   - live and final run reports
//   - health checks backed by the worker pool
//   - Prometheus metrics
package http
