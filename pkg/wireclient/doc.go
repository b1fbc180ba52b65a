// Package wireclient provides the Wire Client and its wire framing.
//
// The transport is a hand-rolled length-prefixed JSON frame over net.Conn
// rather than a message-queue binding: nothing in this codebase's dependency
// closure reaches a request/reply message broker client, so the framing is
// built directly on net.Dialer, the same primitive pkg/health uses for its
// TCP liveness probes. A Client owns exactly one net.Conn and enforces the
// "one outstanding request" invariant by holding a mutex across the entire
// write-then-read of a call; a second caller blocks rather than interleaving
// frames on the wire.
package wireclient
