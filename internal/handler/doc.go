// Package handler defines the plug-in contract for task handlers and the
// registry that resolves a topic name to the handler serving it.
//
// Handlers are registered once at startup under the topic they declare. At
// dispatch time the registry consults the persisted handler mappings: only an
// active mapping whose handler reference names a registered handler resolves.
package handler
