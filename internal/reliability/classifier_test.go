package reliability

import "testing"

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}

func TestIsRecoverableRealtimeError(t *testing.T) {
	for _, code := range []string{"rate_limit_exceeded", "server_error", ""} {
		if !IsRecoverableRealtimeError(code) {
			t.Fatalf("IsRecoverableRealtimeError(%q) = false, want true", code)
		}
	}
	for _, code := range []string{"invalid_api_key", "authentication_error", "session_expired"} {
		if IsRecoverableRealtimeError(code) {
			t.Fatalf("IsRecoverableRealtimeError(%q) = true, want false", code)
		}
	}
}
