// Package onchain wraps the settlement-chain JSON-RPC surface the channel
// path needs: submitting the clearing server's signed channel states to the
// custody/adjudicator contracts and waiting for their receipts. It has no
// analog in the teacher repo (ADCNet settles nothing on-chain); it is
// grounded on go-ethereum's ethclient, the same library
// other_examples/0gfoundation-0g-sandbox-billing__types.go uses for its
// on-chain address and amount types.
package onchain
