// Package main is the entry point for the pulseboard sandbox server.
//
// The server runs untrusted panel handler code inside pooled JavaScript
// instances with capability enforcement, resource limits, and a
// suspend/resume protocol for extension I/O. It exposes a REST API for
// executing handlers, a WebSocket stream for panel events, and Prometheus
// metrics.
//
// Configuration comes from environment variables (see internal/config);
// CLI flags override them.
//
// Usage:
//
//	# Production mode
//	./server -port 8600
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown
package main
