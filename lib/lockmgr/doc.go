// Package lockmgr implements striped key locks for data-type implementations
// that need an atomic read-modify-write across multiple records (e.g. a
// bitmap segment update that also bumps the size in the parent metadata).
//
// Locks are advisory and process-local: the storage engine's atomic batch
// provides the durability boundary, the lockmgr only serializes the
// read-compute step leading up to it. Keys are hashed onto a fixed number of
// stripes (default 16); two keys on the same stripe contend even when
// unrelated, which is an accepted trade-off for a fixed memory footprint.
//
// The Guard type ties a lock to a scope so that every exit path releases it:
//
//	guard := lockmgr.NewGuard(lm, nsKey)
//	defer guard.Release()
package lockmgr
