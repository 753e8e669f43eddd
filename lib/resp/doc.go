// Package resp implements the Redis wire protocol (RESP2) front end: an
// incremental tokenizer driven off a per-connection byte buffer, and the
// reply builders for the responses quartz sends back.
//
// The tokenizer is a three-state machine (array length, bulk length, bulk
// data). It is strictly non-blocking: when the buffer holds no complete
// protocol element it returns and waits for more bytes, retaining partial
// progress only in its own state fields. Every protocol error is fatal for
// the connection, and the offending line has always been drained when the
// error is reported, so the connection can reply and close cleanly.
//
// Limits: inline commands up to 16 KiB, bulk strings up to 128 MiB, and at
// most 8192 elements per multi-bulk command (uncapped in cluster mode, to
// match Redis Cluster). A zero-length bulk ($0) is a valid empty token.
package resp
