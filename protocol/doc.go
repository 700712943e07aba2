/*
Package protocol defines the byte protocol spoken between a pipes client and its worker process over the worker's stdin and stdout.

Both sides import this package, so the command bytes, status bytes and sentinel exit codes are defined exactly once.

Client to worker:

	PING                          liveness probe
	CALL  int32 length  payload   serialized task

Worker to client:

	READY                         once, right after startup, before anything else
	PING                          echo of a liveness probe
	status [int32 length body]    one per CALL

All integers are big-endian. Which statuses carry a body, and whether that body is a UTF-8 message or a serialized payload, is fixed by Status.Body.

stderr is never part of the protocol. Anything the worker prints to stdout outside of these frames desynchronizes the stream.
*/
package protocol
