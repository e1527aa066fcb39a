// Package worker implements the per-site offline cache proxy: an explicit
// install/activate/fetch state machine that precaches an asset manifest into
// a versioned cache generation, purges older generations on activation and
// serves intercepted reads with cache-first or network-first strategies.
//
// A Worker never talks to the network or the disk directly. Both are injected
// (Fetcher and cache.Storage) so the lifecycle can be driven by the HTTP
// server in production and by in-memory doubles in tests.
package worker
