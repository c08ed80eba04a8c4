// Package server implements the ingest transports and the HTTP API. The UDP
// server decodes protocol packets and routes them to stream sessions; the
// HTTP server exposes monitoring endpoints, stored utterances, Prometheus
// metrics and a WebSocket ingest endpoint.
package server
