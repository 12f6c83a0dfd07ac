// Package appsession drives the two-party bilateral application-session
// payment path: create a session with a given quorum, submit one signed
// state transferring funds from client to worker, then close. Version
// numbers are strictly monotonic per session, the same invariant the
// teacher's protocol.Round type enforces for round numbers
// (Round.IsAfter/Advance); Session.Version plays the same role here.
package appsession
