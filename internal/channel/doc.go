// Package channel implements the channel tree: a registry of live
// connections keyed by hierarchical, "/"-delimited channel paths.
//
// Nodes are created lazily the first time a path is referenced. A
// connection is registered under exactly one node. Every read of a node's
// connections or children returns a snapshot copy, so callers may mutate the
// tree (evict, register, create) while iterating. An optional sweeper prunes
// empty leaf nodes so the tree does not grow without bound.
package channel
