// Package cache defines the versioned response store behind the offline cache
// proxy. A Storage holds named generations (one per deployed version label);
// a Generation maps request URLs to stored responses. Three backends are
// provided: a filesystem layout under StoragePath/<generation>/<host>/<path>
// (temp file + rename, guarded by a process lock), a LevelDB database keyed by
// generation prefix, and an in-memory map used by tests and ephemeral runs.
// The worker package depends on these primitives for precache, lookups and
// fire-and-forget writes without knowing which backend is active.
package cache
