// Package orchestrator drives one payment end-to-end over the channel or
// app-session path and reduces it to a PaymentProof. The sequential
// fallible-steps-with-wrapped-errors shape and the retry-with-backoff loop
// are grounded directly on the teacher's services/orchestrator.go Deploy()
// method.
package orchestrator
