// Package ratelimit guards routes against abusive request rates.
//
// # Simple in-memory implementation, not shared between instances or distributed
//
// Two guards compose here:
//   - Window: a sliding-window counter keyed by client IP + route. It
//     stores a timestamp per recent accepted request, prunes lazily on
//     each check, and so avoids the burst-at-boundary problem of fixed
//     windows. Sensitive routes (security-event reporting) run at
//     10 requests per 60s; general routes are open.
//   - FloodGuard: a coarse per-IP token bucket wrapping the whole
//     public chain, for connection/goroutine exhaustion defense in
//     depth. It is deliberately generous so it only trips on floods.
//
// Keys anchor to the resolved network origin, never to the session:
// a client that refuses cookies must not look like a fresh client on
// every request.
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
package ratelimit
