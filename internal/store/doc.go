// Package store provides SQLite-backed persistence for the process engine.
//
// The store holds five engine tables plus a property table:
//   - deployments: deployed resource bundles
//   - definitions: process definition rows (key, version, resource bytes)
//   - executions: the persisted execution tree of every running instance
//   - variables: typed variables owned by executions
//   - jobs: timers, messages and async continuations
//   - properties: engine properties such as the schema version
//
// # Optimistic Locking
//
// Every mutable row carries a revision (rev). Updates and deletes match on
// both id and revision; zero affected rows means another transaction got
// there first and is reported as a fault.Conflict.
//
// # Leases
//
// Jobs are locked with a single conditional UPDATE that sets lock_owner and
// lock_expiration only when the job is unlocked or its lease has expired.
// lock_owner and lock_expiration are both NULL or both set (CHECK constraint).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - one pooled connection: transactions within a process are serialized
//
// Row functions take a Querier so the same code runs against *sql.DB and
// *sql.Tx. Times are stored as unix milliseconds.
package store
