package reliability

import "github.com/gorilla/websocket"

// CloseClass groups WebSocket close codes for logging and metrics labels.
func CloseClass(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal"
	case websocket.CloseGoingAway:
		return "going_away"
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived:
		return "abnormal"
	case websocket.ClosePolicyViolation, websocket.CloseMessageTooBig, websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData:
		return "protocol"
	case websocket.CloseInternalServerErr, websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
		return "server"
	case 4004:
		return "unknown_path"
	default:
		if code >= 4000 && code < 5000 {
			return "application"
		}
		return "other"
	}
}

// IsRetryableClose reports whether a client could reasonably open a new
// session after a close with this code.
func IsRetryableClose(code int) bool {
	switch CloseClass(code) {
	case "going_away", "abnormal", "server":
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes seen on the
// relay upgrade.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
