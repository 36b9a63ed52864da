package vitalink

import (
	"fmt"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuthRequired},
		{403, KindAuthRequired},
		{404, KindNotFound},
		{408, KindTransient},
		{409, KindConflict},
		{422, KindValidation},
		{429, KindTransient},
		{500, KindTransient},
		{502, KindTransient},
		{503, KindTransient},
		{418, KindUnknown},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestAPIErrorString(t *testing.T) {
	withCode := &APIError{Kind: KindValidation, Code: "invalid_content", Message: "too long"}
	if got := withCode.Error(); got != "validation (invalid_content): too long" {
		t.Errorf("unexpected error string: %q", got)
	}

	withoutCode := &APIError{Kind: KindTransient, Message: "connection refused"}
	if got := withoutCode.Error(); got != "transient: connection refused" {
		t.Errorf("unexpected error string: %q", got)
	}
}

func TestKindHelpersUnwrap(t *testing.T) {
	base := &APIError{Kind: KindAuthRequired, Status: 401, Message: "token expired"}
	wrapped := fmt.Errorf("loading conversation: %w", base)

	if !IsAuthRequired(wrapped) {
		t.Error("IsAuthRequired should see through wrapping")
	}
	if IsTransient(wrapped) || IsValidation(wrapped) || IsNotFound(wrapped) {
		t.Error("kind helpers must not cross-match")
	}
	if IsAuthRequired(fmt.Errorf("plain")) {
		t.Error("non-APIError must not match")
	}
}

func TestNormalizeHTTPError(t *testing.T) {
	t.Run("parses the body", func(t *testing.T) {
		body := []byte(`{"code":"not_participant","message":"not your conversation"}`)
		ae := normalizeHTTPError(403, body)
		if ae.Kind != KindAuthRequired || ae.Code != "not_participant" || ae.Message != "not your conversation" {
			t.Errorf("unexpected error: %+v", ae)
		}
	})

	t.Run("falls back to detail then status text", func(t *testing.T) {
		ae := normalizeHTTPError(404, []byte(`{"detail":"message not found"}`))
		if ae.Message != "message not found" {
			t.Errorf("unexpected message: %q", ae.Message)
		}

		ae = normalizeHTTPError(500, []byte(`<html>gateway</html>`))
		if ae.Kind != KindTransient || ae.Message != "Internal Server Error" {
			t.Errorf("unexpected error: %+v", ae)
		}
	})
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt, base, max)
		minimum := time.Duration(float64(base) * float64(int(1)<<attempt))
		if minimum > max {
			minimum = max
		}
		if d < minimum && d != max {
			t.Errorf("attempt %d: delay %v below exponential floor %v", attempt, d, minimum)
		}
		if d > max {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, d, max)
		}
	}
}
