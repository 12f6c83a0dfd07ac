// Package channel drives the on-chain create / off-chain transfer / on-chain
// close payment channel path over a clearing.Client: create a channel if
// none is open, transfer a bill amount out of unified balance, then close
// and settle the final state on-chain. The struct shape (funding address,
// signatures) is grounded on other_examples/kyokan-drawbridge__channel.go;
// the sequential fallible-steps-with-wrapped-errors flow is grounded on the
// teacher's services/orchestrator.go Deploy method.
package channel
