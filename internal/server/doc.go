// Package server hosts the Fiber HTTP service, the request middleware chain and
// the site registry that maps Host headers to per-site controllers. Each
// SiteController owns the active offline worker for one site and drives its
// install/activate lifecycle; the UpstreamFetcher in this package is the
// network primitive those workers fetch through.
// Keep exports narrow and accept explicit dependencies so the proxy and
// diagnostics packages can be tested with fakes.
package server
