// Package dispatch drives tasks through their lifecycle. The Orchestrator
// resolves a task's handler, decodes its variables, runs the handler with its
// service bindings and then records the outcome locally and on the engine.
//
// Handler failures are retried by the engine re-offering the task, never by a
// local loop. Engine calls that fail in transport are retried here with a
// bounded backoff. A task whose handler succeeded but whose completion was
// never acknowledged stays performed until Reconcile completes it; its
// handler is not run again.
package dispatch
