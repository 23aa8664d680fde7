// Package cache defines the disk-backed blob store of the offline cache. Each
// cached item is a pair of flat files under StoragePath named by
// contentkind.FileName: the resource bytes and a msgpack header sidecar
// carrying status, headers and the entity tag used for revalidation. Writes go
// through a temp file + rename so a half-written file is never observable, and
// all operations on one file name are serialised by a refcounted entry lock.
// Writer layers the fetch capability and task tracking on top of the store.
package cache
