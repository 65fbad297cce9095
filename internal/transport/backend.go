package transport

import (
	"context"
	"encoding/json"
)

// Target selects how a transport reaches the model endpoint.
type Target interface {
	newBackend(cfg SessionConfig) (backend, error)
}

// events is the transport surface a backend reports into.
type events interface {
	onOpen()
	onMessage(raw json.RawMessage)
	onError(err error)
	onClose(code int, reason string)
}

// backend is one connection strategy. close must be idempotent and safe to
// call re-entrantly from the backend's own close callback.
type backend interface {
	connect(ctx context.Context, ev events) error
	sendRealtime(data json.RawMessage) error
	sendToolResponse(data json.RawMessage) error
	close() error
}
