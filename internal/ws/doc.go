// Package ws serves the control plane's WebSocket protocol.
//
// Every text frame is a JSON envelope {"type": ..., "data": ...}. A client
// must authenticate before anything but Authenticate and Ping is served.
// Subscriptions to task output, container logs and shell sessions are
// checked against the user's capability on the app before they start, and
// each one is a goroutine reading its output buffer by sequence number.
//
// Binary frames carry shell input: a 16-byte session id followed by the raw
// payload.
//
// When a client disconnects all of its subscriptions are cancelled, its log
// streams are stopped and its shell sessions are detached.
package ws
