// Package cache defines the versioned response store behind each site's
// offline worker. A Provider hands out one Storage per site namespace; a
// Storage holds named generations (open-by-name, list-names, delete-by-name)
// and every Generation maps a request Key to a stored Entry (status, headers,
// body). Three backends share these semantics: a disk layout with atomic
// temp file + rename writes, a single sqlite database, and an in-memory map
// used by tests. Only the worker's activate phase deletes generations.
package cache
