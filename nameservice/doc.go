// Package nameservice resolves a human-readable agent name into its
// endpoint URL, capability list, price table, and on-chain address by
// reading the "agentpay.endpoint", "agentpay.capabilities",
// "agentpay.prices" text records and the canonical address record from a
// name service. Results are cached in memory with a TTL, since the same
// counterparty name is typically resolved repeatedly over a process's
// lifetime.
//
// This package also ships a small in-memory name-service server used by
// local setups and tests, standing in for the real decentralised name
// service spec.md treats as an external system.
package nameservice
