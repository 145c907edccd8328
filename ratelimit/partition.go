/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import "fmt"

// PartitionStrategy determines how request attributes are mapped to a partition key.
// Resolution is a pure function: the same attributes always produce the same key.
type PartitionStrategy string

// Supported partition strategies.
const (
	// PartitionGlobal maps every request to a single shared partition.
	PartitionGlobal PartitionStrategy = "global"

	// PartitionPerIdentity partitions by the authenticated identity name.
	PartitionPerIdentity PartitionStrategy = "per_identity"

	// PartitionPerAddress partitions by the textual source address.
	PartitionPerAddress PartitionStrategy = "per_address"
)

// Sentinel partition keys used when the corresponding request attribute is absent.
const (
	GlobalPartitionKey    = "global"
	AnonymousPartitionKey = "anonymous"
	UnknownAddressKey     = "unknown"
)

// RequestAttrs carries the logical request attributes used for partitioning.
// Both fields are optional; absent values fall back to sentinel keys.
type RequestAttrs struct {
	// Identity is the authenticated identity name (empty if unauthenticated).
	Identity string

	// RemoteAddr is the textual source address of the request (host without port).
	RemoteAddr string
}

// PartitionKey resolves the partition key for the given request attributes.
func (s PartitionStrategy) PartitionKey(attrs RequestAttrs) string {
	switch s {
	case PartitionPerIdentity:
		if attrs.Identity == "" {
			return AnonymousPartitionKey
		}
		return attrs.Identity
	case PartitionPerAddress:
		if attrs.RemoteAddr == "" {
			return UnknownAddressKey
		}
		return attrs.RemoteAddr
	default:
		return GlobalPartitionKey
	}
}

func (s PartitionStrategy) validate() error {
	switch s {
	case "", PartitionGlobal, PartitionPerIdentity, PartitionPerAddress:
		return nil
	}
	return fmt.Errorf("unknown partition strategy %q", s)
}
