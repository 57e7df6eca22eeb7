// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notifyerrors collects the fixed error kinds the notifier can
// return, as const sentinels comparable with errors.Is, the same pattern
// core/database uses for ErrChangeStreamDying.
package notifyerrors

import "github.com/juju/errors"

const (
	// ErrInvalidConfiguration is returned when a GlobalNotifier is
	// constructed with a configuration that cannot be acted on (missing
	// local root, missing callback target, and so on).
	ErrInvalidConfiguration = errors.ConstError("invalid configuration")

	// ErrSchemaMismatch is returned when an object class named by the
	// caller is not present in the database's schema (a partial-sync
	// query registered against an unknown class).
	ErrSchemaMismatch = errors.ConstError("schema mismatch")

	// ErrSubscriptionFailed is carried by the Result delivered to a
	// partial-sync subscription's callback when the server resolves the
	// query to a status other than Initialized, annotated with the row's
	// error message.
	ErrSubscriptionFailed = errors.ConstError("subscription failed")

	// ErrStorageError wraps failures to open the underlying managed
	// database file (a bad path, missing permissions, a failed first
	// connection).
	ErrStorageError = errors.ConstError("storage error")

	// ErrNotifierClosed is returned by any operation attempted after
	// GlobalNotifier.Close has already run.
	ErrNotifierClosed = errors.ConstError("notifier closed")
)
