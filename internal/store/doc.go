// Package store provides the StorageEngine: a durable key-value cache of
// entities plus an ordered outbox of unacknowledged mutations.
//
// Three backends implement the same Backend interface:
//   - NewMemory: in-process maps with secondary indexes (tests, ephemeral clients)
//   - Open: SQLite with WAL mode (default durable backend)
//   - OpenBolt: bbolt buckets (single-file embedded alternative)
//
// # Critical Patterns
//
// Atomicity:
//   - Every change that touches both an entity and the outbox runs inside one
//     Update call. Update commits all of fn's writes or none of them.
//   - No caller mutates entity attributes or outbox records outside Update.
//
// Deterministic Reads:
//   - Scan and ScanWhere return entities ordered by id ASC (binary).
//   - ListOutbox and OutboxFor return records ordered by seq ASC.
//
// Isolation:
//   - Values returned from a transaction are deep copies; mutating them
//     never changes stored state.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Expression indexes on json_extract for indexed schema fields
package store
