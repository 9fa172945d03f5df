// Package engine wires the process engine together.
//
// An Engine owns one store and one command executor. Foreground calls
// (deploy, start, signal, variable access, administration) and the job
// executor's workers all submit commands to that executor, so every
// change runs in a transaction and leaves a quiescent execution tree.
//
// ARCHITECTURE:
//
//	Engine ──► command.Executor ──► store (SQLite)
//	   │              ▲
//	   │              │ acquire / execute
//	   └──► jobexecutor.Executor ◄── jobs.Notifier ◄── wakeup.Redis (optional)
//
// Definitions are parsed from YAML or CUE resources. The behaviors they
// reference come from a behavior.Registry, so applications register their
// delegates and listeners before deploying.
//
// Run starts the job executor and, when configured, the Redis listener
// that forwards job hints from other nodes. Close releases the store and
// the Redis client.
package engine
