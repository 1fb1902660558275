// Package camunda speaks the external task REST protocol of the process
// engine: fetch-and-lock, extend lock, complete and report failure.
//
// The engine's lease is the only lock there is. Every call naming a task also
// names the worker, and the engine answers ownership violations with errors
// this package maps to ErrLockNotOwned and ErrLockExpired. Network failures,
// throttling and server errors come back as *TransportError so callers can
// retry those and nothing else.
package camunda
