// Package meta maintains the reference-counted CacheGroup ↔ CacheItem graph of
// the offline cache in SQLite through gorm.
//
// The many-to-many relation is an explicit adjacency table (cache_group_items)
// rather than a framework-managed association, so the "sole owner" check that
// decides whether an item may be physically deleted is a plain count query.
//
// Every operation, reads included, runs as a closure on one writer goroutine
// inside a gorm transaction. Mutations are therefore serialised, and a failed
// closure rolls back without leaving partial rows behind.
package meta
