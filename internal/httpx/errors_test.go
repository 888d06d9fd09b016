package httpx

import (
	"errors"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without internal error",
			err:  ErrInvalidPolicy("dnsNames must not be empty"),
			want: "code=2002, message=dnsNames must not be empty",
		},
		{
			name: "with internal error",
			err:  ErrDNSProvider("failed to list dns zones", errors.New("cloudflare: 503")),
			want: "code=5003, message=failed to list dns zones, err=cloudflare: 503",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{"unauthorized default", ErrUnauthorized(""), http.StatusUnauthorized, CodeUnauthorized, "unauthorized"},
		{"invalid token", ErrInvalidToken(""), http.StatusUnauthorized, CodeInvalidToken, "invalid token"},
		{"token expired", ErrTokenExpired(""), http.StatusUnauthorized, CodeTokenExpired, "token expired"},
		{"bad body", ErrParamInvalid("invalid request"), http.StatusBadRequest, CodeParamInvalid, "invalid request"},
		{"invalid policy default", ErrInvalidPolicy(""), http.StatusBadRequest, CodeInvalidPolicy, "invalid certificate policy"},
		{"not found", ErrNotFound("workflow instance not found"), http.StatusNotFound, CodeNotFound, "workflow instance not found"},
		{"workflow running", ErrWorkflowRunning("example-com"), http.StatusConflict, CodeWorkflowRunning, "certificate example-com already has a running workflow"},
		{"dns provider default", ErrDNSProvider("", nil), http.StatusBadGateway, CodeDNSProviderError, "dns provider failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", tt.err.Code, tt.wantCode)
			}
			if tt.err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", tt.err.Message, tt.wantMsg)
			}
		})
	}
}

func TestErrDatabaseError_KeepsCause(t *testing.T) {
	cause := errors.New("database connection failed")
	err := ErrDatabaseError("", cause)

	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("Expected HTTP status %d, got %d", http.StatusInternalServerError, err.HTTPStatus)
	}
	if err.Message != "database error" {
		t.Errorf("Expected default message, got '%s'", err.Message)
	}
	if !errors.Is(err.Err, cause) {
		t.Errorf("Expected internal error to be preserved")
	}
}
