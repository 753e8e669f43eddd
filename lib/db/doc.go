// Package db implements the database facade shared by every Redis data-type
// module, plus the string and bitmap types built on it.
//
// The Database type binds a namespace and provides the generic operations
// (metadata lookup, TTL, delete, scan, flush) every type needs. Data-type
// modules embed it by composition and add their own operations; SubKeyScanner
// shows the version-scoped sub-key walk they share.
//
// Read paths take a storage snapshot on entry and release it on every exit
// path, so no read observes a partially applied batch. Write paths guard the
// namespaced key with the engine's lock manager for the read-compute step
// and rely on the engine's atomic batch for durability.
//
// Deletion is logical throughout: removing or re-typing a key rewrites only
// its metadata record, and sub-keys written under older versions are
// reclaimed lazily by the engine's background sweeps.
package db
