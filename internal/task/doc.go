// Package task runs the asynchronous résumé pipeline. It owns the task
// state machine (pending → processing → completed|failed), the ordered,
// checkpointed steps for each task type, the bounded AI retry policy and
// the hard per-task deadline, and the worker pool that pulls task IDs from
// a Dispatcher. Storage, extraction, prompts and providers are consumed
// through the interfaces declared in store.go.
package task
