// Package rpc implements the asynchronous request/poll transport used
// for every cross-process call. A caller posts a request addressed by
// service, shard and method together with a caller-generated request
// id, then polls until the stored reply turns terminal. Polling the
// same id concurrently or repeatedly is safe; replies stay retrievable
// for a retention window after completion. A synchronous variant skips
// the poll step for short administrative calls.
package rpc

import "encoding/json"

// Reply statuses. Everything except StatusWait is terminal.
const (
	StatusOK   = "ok"
	StatusWait = "wait"
	StatusFail = "fail"

	// Distinguished error codes, so callers can react without parsing
	// messages.
	StatusNotFound      = "not-found"
	StatusUnknownMethod = "unknown-method"
	StatusWrongShard    = "wrong-shard"
	StatusBadRequest    = "bad-request"
)

// Envelope is the uniform shape of every reply on the wire.
type Envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Terminal reports whether polling should stop at this reply.
func (e Envelope) Terminal() bool { return e.Status != StatusWait }

// Request is the body of an asynchronous call. Args carry the method's
// named parameters as a JSON object.
type Request struct {
	ID   string          `json:"rid"`
	Args json.RawMessage `json:"args,omitempty"`
}
