// Package health provides the pluggable liveness checkers the Handler
// Registry uses to keep a registered handler's status (Connected/
// Disconnected) current without waiting for the next dispatch attempt.
//
// A Checker is a small interface (Check(ctx) Result, Type() CheckType) with
// two concrete implementations: TCPChecker, which dials a handler's
// advertised address and is the default for the raw wire-protocol handlers
// this scheduler talks to, and HTTPChecker, used when a handler address
// carries an http(s) scheme (a handler embedded in an HTTP-serving process
// that exposes its own /health endpoint alongside the wire listener).
//
// Status counts consecutive failures against Config.Retries before clearing
// Healthy, the debounce the registry's health monitor relies on so that a
// single dropped probe does not mark a handler Disconnected. Recovery is not
// debounced: one successful check sets Healthy again.
package health
