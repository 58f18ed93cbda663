// Package worker implements the offline cache proxy: a versioned worker that
// precaches a fixed manifest on install, purges every other cache generation
// on activation, and then intercepts GET requests with a cache-first,
// network-fallback strategy. Successful responses for static assets are
// duplicated and stored on a detached goroutine so storage latency or failure
// never affects delivery. Network failures collapse into a synthesized 503.
//
// A Controller owns the currently active worker and swaps in a freshly
// activated one whenever a new version label is registered; a worker whose
// install fails never takes control.
package worker
