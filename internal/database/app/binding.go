// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package app

import "github.com/juju/errors"

// RemoteBinding describes the optional dqlite remote-sync binding a managed
// file's configuration may carry. Holding and validating this configuration
// is this package's job regardless of build tags; actually starting a
// dqlite application node from it (New, in dqlite_linux.go) requires the
// "dqlite" build tag and is never invoked by this module, since the sync
// protocol that would consume it is assumed to be handled externally.
type RemoteBinding struct {
	// Address is the dqlite application node's own network address.
	Address string
	// Cluster lists peer addresses to join an existing cluster through.
	// Empty for the first node of a new cluster.
	Cluster []string
}

// Validate reports whether b is well-formed enough to hold.
func (b RemoteBinding) Validate() error {
	if b.Address == "" {
		return errors.NotValidf("remote binding missing Address")
	}
	return nil
}
