// Package fetch is the boundary between the offline cache and the network.
// It models a resource request as a URL plus request headers, and a response
// as status, headers and the fully buffered body. The cache core only depends
// on the Fetcher interface so article/image subsystems (or tests) can supply
// their own transport; HTTPFetcher is the default implementation backed by
// the shared upstream http.Client.
package fetch
