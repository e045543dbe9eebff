// Package server provides the HTTP server for the Katharsis page and API.
//
// This package is internal to Katharsis and handles all HTTP concerns:
//
//   - Page serving: the rendered dashboard document at "/"
//   - Metrics document: the latest aggregated payload at "/katharsis.json"
//   - REST API: JSON snapshot list at "/api/status"
//   - Server-Sent Events: real-time snapshots at "/api/sse"
//   - WebSocket: real-time snapshots at "/ws"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
//
// Users of the katharsis library should not need to interact with this
// package directly. The server is started automatically by [katharsis.Katharsis.Start].
package server
