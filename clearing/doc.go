// Package clearing implements the authenticated websocket session actor
// that speaks to the clearing network: the auth handshake, signed outbound
// request framing, and dispatch of inbound response/notification frames to
// their waiting callers. Every other payment package (channel, appsession)
// is built as a set of RPCs issued through a *clearing.Client.
//
// The session-actor shape (one reader loop, a response-correlation table,
// one outstanding logical call worth waiting on at a time) is grounded on
// the teacher's base_service discovery loop and http_client request/response
// handling, generalized from HTTP polling to a persistent websocket.
package clearing
