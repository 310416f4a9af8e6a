// Package cache implements content-addressed caching of transform outputs
// across pluggable backends.
//
// Two record kinds exist per backend: key records, addressed by a
// transform's definition hash, map output interface names to content
// hashes and carry the original run time and byte volume; blob records,
// addressed by content hash, hold the artefact bytes themselves. Blobs are
// self-contained: deleting a key record never requires deleting a blob,
// and blob eviction is driven by scoring, not reachability.
//
// The Manager arbitrates between backends: admission conditions gate
// store/fetch per backend by the transform's output byte-rate, lookups try
// backends in configured order, hits are replicated into other admitting
// backends, and a post-run pruning pass holds each backend under its size
// ceiling by evicting the lowest-scoring entries first.
package cache
