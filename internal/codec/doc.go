// Package codec converts process variables between native Go values and the
// engine's typed wire representation, where every variable is sent as
// {"value": <value>, "type": <tag>} so the engine can rebuild it without
// guessing. A numeric string stays a String and a number never becomes one.
package codec
