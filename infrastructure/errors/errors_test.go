package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(CodeSession, "test message", http.StatusUnauthorized),
			want: "[session] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(CodeFatal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[fatal] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeFatal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(CodeValidation, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestNoSuchKey(t *testing.T) {
	err := NoSuchKey("users/123")

	if err.Code != CodeNoSuchKey {
		t.Errorf("Code = %v, want %v", err.Code, CodeNoSuchKey)
	}

	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}

	if err.Details["key"] != "users/123" {
		t.Errorf("Details[key] = %v, want users/123", err.Details["key"])
	}
}

func TestIOError(t *testing.T) {
	underlying := errors.New("disk full")
	err := IOError("put", underlying)

	if err.Code != CodeIO {
		t.Errorf("Code = %v, want %v", err.Code, CodeIO)
	}

	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}

	if err.Details["operation"] != "put" {
		t.Errorf("Details[operation] = %v, want put", err.Details["operation"])
	}
}

func TestValidation(t *testing.T) {
	err := Validation("email", "invalid format")

	if err.Code != CodeValidation {
		t.Errorf("Code = %v, want %v", err.Code, CodeValidation)
	}

	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}

	if err.Details["field"] != "email" {
		t.Errorf("Details[field] = %v, want email", err.Details["field"])
	}
}

func TestSession(t *testing.T) {
	err := Session("session has expired")

	if err.Code != CodeSession {
		t.Errorf("Code = %v, want %v", err.Code, CodeSession)
	}

	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
}

func TestPermission(t *testing.T) {
	err := Permission("admin privileges required")

	if err.Code != CodePermission {
		t.Errorf("Code = %v, want %v", err.Code, CodePermission)
	}

	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusForbidden)
	}
}

func TestConflict(t *testing.T) {
	err := Conflict("category still has events")

	if err.Code != CodeConflict {
		t.Errorf("Code = %v, want %v", err.Code, CodeConflict)
	}

	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}

	if err.Message != "category still has events" {
		t.Errorf("Message = %v, want category still has events", err.Message)
	}
}

func TestQueueOverflow(t *testing.T) {
	err := QueueOverflow("event123")

	if err.Code != CodeQueueOverflow {
		t.Errorf("Code = %v, want %v", err.Code, CodeQueueOverflow)
	}

	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}

	if err.Details["event_id"] != "event123" {
		t.Errorf("Details[event_id] = %v, want event123", err.Details["event_id"])
	}
}

func TestTimeout(t *testing.T) {
	err := Timeout("database query")

	if err.Code != CodeTimeout {
		t.Errorf("Code = %v, want %v", err.Code, CodeTimeout)
	}

	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}

	if err.Details["operation"] != "database query" {
		t.Errorf("Details[operation] = %v, want database query", err.Details["operation"])
	}
}

func TestWorkerLost(t *testing.T) {
	err := WorkerLost("job456")

	if err.Code != CodeWorkerLost {
		t.Errorf("Code = %v, want %v", err.Code, CodeWorkerLost)
	}

	if err.Details["job_id"] != "job456" {
		t.Errorf("Details[job_id] = %v, want job456", err.Details["job_id"])
	}
}

func TestLaunchFailure(t *testing.T) {
	underlying := errors.New("fork failed")
	err := LaunchFailure("job789", underlying)

	if err.Code != CodeLaunchFailure {
		t.Errorf("Code = %v, want %v", err.Code, CodeLaunchFailure)
	}

	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestFatal(t *testing.T) {
	underlying := errors.New("lock table corrupt")
	err := Fatal("rollback failed", underlying)

	if err.Code != CodeFatal {
		t.Errorf("Code = %v, want %v", err.Code, CodeFatal)
	}

	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
}

func TestAPI(t *testing.T) {
	err := API("field 'id' fails regex")

	if err.Code != CodeAPI {
		t.Errorf("Code = %v, want %v", err.Code, CodeAPI)
	}

	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "service error",
			err:  New(CodeFatal, "test", http.StatusInternalServerError),
			want: true,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(CodeFatal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{
			name: "service error",
			err:  serviceErr,
			want: serviceErr,
		},
		{
			name: "standard error",
			err:  standardErr,
			want: nil,
		},
		{
			name: "nil error",
			err:  nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "service error",
			err:  New(CodeSession, "test", http.StatusUnauthorized),
			want: http.StatusUnauthorized,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: http.StatusInternalServerError,
		},
		{
			name: "nil error",
			err:  nil,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := QueueOverflow("event1")

	if !Is(err, CodeQueueOverflow) {
		t.Errorf("Is(err, CodeQueueOverflow) = false, want true")
	}

	if Is(err, CodeFatal) {
		t.Errorf("Is(err, CodeFatal) = true, want false")
	}

	if Is(errors.New("plain"), CodeFatal) {
		t.Errorf("Is(plain error, CodeFatal) = true, want false")
	}
}
