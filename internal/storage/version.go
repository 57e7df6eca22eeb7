// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storage implements the Version & Snapshot primitives consumed by
// the rest of the notifier: opaque ordered VersionIDs, uncached handles
// pinned to a version, and change-set extraction between two versions.
package storage

import "strconv"

// VersionID identifies a committed state of one managed database file. It is
// opaque and totally ordered within one file. The zero value is the "unset"
// sentinel and is distinguishable from any real version, since real versions
// start at 1.
type VersionID struct {
	seq uint64
}

// VersionFromUint64 wraps a raw sequence number. Exists for the storage
// layer's own bookkeeping; callers outside this package should otherwise
// treat VersionID as opaque.
func VersionFromUint64(seq uint64) VersionID {
	return VersionID{seq: seq}
}

// Uint64 returns the raw sequence number backing v.
func (v VersionID) Uint64() uint64 {
	return v.seq
}

// IsSet reports whether v refers to a real committed version, as opposed to
// the unset sentinel.
func (v VersionID) IsSet() bool {
	return v.seq != 0
}

// Before reports whether v happened strictly before other.
func (v VersionID) Before(other VersionID) bool {
	return v.seq < other.seq
}

// LessOrEqual reports whether v happened at or before other.
func (v VersionID) LessOrEqual(other VersionID) bool {
	return v.seq <= other.seq
}

// Equal reports whether v and other refer to the same version.
func (v VersionID) Equal(other VersionID) bool {
	return v.seq == other.seq
}

// String returns a human-readable representation, "<unset>" for the
// sentinel.
func (v VersionID) String() string {
	if !v.IsSet() {
		return "<unset>"
	}
	return strconv.FormatUint(v.seq, 10)
}
