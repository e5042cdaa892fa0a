// Package server exposes the sandbox engine over HTTP and WebSocket.
//
// Routes:
//   - POST /v1/handlers/execute    run source to a terminal result
//   - POST /v1/handlers/step       run one step (may return suspended)
//   - POST /v1/handlers/resume     deliver an async result into a suspension
//   - POST /v1/handlers/precompile compile ahead of time, returns the hash
//   - POST /v1/handlers/infer      advisory capability inference
//   - GET  /v1/stats               pool, cache, and execution aggregates
//   - POST /v1/admin/cache/clear   drop both compiler cache tiers
//   - GET  /metrics                Prometheus exposition
//   - GET  /health                 liveness
//   - GET  /stream                 WebSocket event fan-out
//
// The middleware stack is recovery, request id, CORS, and a per-client
// rate limit. Handler events are broadcast to /stream observers at every
// step boundary, so panels update while extension I/O is still in flight.
package server
