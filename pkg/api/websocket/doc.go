// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/runs/:id/ws. The first message is a
// run.snapshot event carrying the current report; stage and run events
// follow until the run reaches a terminal state.
package websocket
