// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs. The
// server embeds the daemon; the client is what CLI commands dial so they
// fail fast when the daemon is offline.
package ipc
