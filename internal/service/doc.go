// Package service builds the domain API clients handed to handlers. A handler
// declares the API types it needs; a handler mapping binds aliases to
// configured services; Bind resolves one to the other and refuses anything the
// handler did not declare.
package service
