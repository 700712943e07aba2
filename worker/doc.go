// Package worker implements the worker side of the pipes protocol.
//
// A worker announces itself with a READY byte on its output, then answers
// PING with PING and CALL with a status frame produced by a Handler.
// Its output stream carries nothing but protocol frames, so all logging goes elsewhere.
//
// A worker that notices its own call ran past the deadline exits with protocol.TimeoutExitCode
// without writing a response; the client reads that exit code as a timeout rather than a crash.
package worker
