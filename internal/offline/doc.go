// Package offline composes the metadata store, the blob store and the fetch
// capability into the offline cache façade.
//
// A Controller serves one content kind. Sync brings a group in line with a
// desired set of resources: the metadata store computes the difference in one
// transaction, then missing resources are fetched and recorded while resources
// no longer needed are released, both bounded by an errgroup limit. Any failed
// item turns the result into a *SyncError; successful items are kept.
//
// ResponseProvider answers offline reads from a small in-memory LRU tier in
// front of the blob store.
package offline
