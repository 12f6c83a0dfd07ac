// Package hirer implements the client-side hire flow: resolve a worker
// name, submit a job, drive an orchestrator.Pay for the returned bill, and
// re-submit the job with the resulting proof. The two-phase POST-then-POST
// shape and the fixed request timeouts are grounded on the teacher's
// services/http_client.go sendToAggregator request path.
package hirer
