// Package identity holds the long-lived signing key for a broker process and
// derives the values built on top of it: the account address, ephemeral
// session keys used to authenticate to the clearing network, and EIP-712
// signatures over typed messages (auth challenges, channel-close states).
//
// An Identity is created once at process startup and threaded through the
// rest of the program explicitly; nothing in this package keeps
// package-level state.
package identity
