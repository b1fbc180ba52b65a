// Package registry implements the Handler Registry and its Registration
// Server. See registry.go for the persisted-entry/cached-client split and
// server.go for the request/reply endpoint handlers announce themselves to.
package registry
