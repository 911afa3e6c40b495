package reliability

// IsRetryableHTTPStatus classifies transient provider HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// fatal upstream error codes: the session is beyond saving and only the
// socket close that follows will end it.
var fatalRealtimeCodes = map[string]struct{}{
	"invalid_api_key":      {},
	"authentication_error": {},
	"session_expired":      {},
}

// IsRecoverableRealtimeError classifies in-band upstream error codes. A
// recoverable error is surfaced to the sink and the conversation continues;
// either way the relay never terminates on the error frame itself.
func IsRecoverableRealtimeError(code string) bool {
	_, fatal := fatalRealtimeCodes[code]
	return !fatal
}
