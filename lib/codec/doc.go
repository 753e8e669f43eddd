// Package codec defines the binary formats that make up quartz's on-disk
// contract: the column family layout, the namespaced metadata key, the
// per-key metadata record, versioned sub-keys, slot tracking keys, and the
// log-data side channel carried by write batches.
//
// Everything in this package is pure encoding with no storage dependency.
// The formats are load-bearing: compaction sweeps and replication consumers
// decode them without any version negotiation, so layouts here must stay
// stable across releases.
//
// Key Layouts:
//
//   - Metadata key:   len(ns) (1 byte) || ns || user_key
//   - Metadata value: flags (1) | expire (4) | version (8) | size (4)
//     (string values store their payload directly after flags|expire)
//   - Sub-key:        len(ns_key) (2) || ns_key || version (8) || sub_key
//   - Slot key:       slot (4) || version (8) || user_key
//   - Slot metadata:  version (8) || size (4)
//
// A sub-key is live iff its embedded version equals the version in the
// parent metadata record; bumping the parent version logically deletes all
// sub-keys at once and leaves physical reclamation to compaction.
package codec
