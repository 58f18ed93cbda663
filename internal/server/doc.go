// Package server hosts the Fiber HTTP service and its request middleware
// chain. It builds the app that fronts the offline cache layer: every request
// gets an X-Request-ID, panics are recovered, paths under /-/ are reserved for
// diagnostics routes and everything else is passed to the proxy handler.
// It also owns the shared upstream http.Client and header copy helpers used
// by the proxy. Keep exports narrow and accept explicit dependencies.
package server
