// Package internal contains the implementation packages of uprelay.
//
// # Package Organization
//
//   - admission: upload slot pool and the set of in-flight upload ids
//   - config: Viper-backed configuration, defaults and validation
//   - errors: UploadError taxonomy and HTTP status mapping
//   - ingest: multipart upload pipeline
//   - logging: slog-based structured logger
//   - monitoring: metrics collector and health reporting
//   - progress: progress events, ring broadcast channel and session registry
//   - server: HTTP routes, middleware and lifecycle
//   - sse, websocket: progress stream sinks
//   - storage: upload root, file naming and inventory
//   - testutils: helpers shared by HTTP-level tests
//   - version: build information
package internal
