// Package eventsub manages per-tenant Twitch EventSub websocket sessions.
//
// Each enabled tenant gets at most one live session. The Registry owns the
// full lifecycle:
//   - Subscribe: dial the EventSub websocket, wait for the welcome frame,
//     sweep stale subscription handles, then create the stream lifecycle
//     subscriptions (plus any feature-gated extras the tenant opted into).
//   - a per-session health watchdog that forces a reconnect when no frame
//     arrives within the advertised keepalive window plus a small grace.
//   - a per-tenant reconciler that assembles a session-start notification
//     from the online event and fetched channel metadata, deduplicating on
//     the upstream session id so a mid-stream reconnect never notifies twice.
//
// Inbound frames are processed serially per tenant; reconnects run on their
// own goroutine so the watchdog and read loop never block each other.
package eventsub
