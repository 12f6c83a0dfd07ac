// Package workerserver implements the worker-side HTTP surface: the 402
// job-hiring handshake, the in-memory job table, and payment-proof
// verification against a Bill before invoking a work collaborator. The
// mutex-guarded map and JSON-decode/validate handler shape is grounded on
// the teacher's server/handler.go and services/http_server.go.
package workerserver
