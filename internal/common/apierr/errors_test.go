package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := NotFound("execution", "exec-1")
	if !errors.Is(err, &Error{Kind: v1.ErrNotFound}) {
		t.Error("expected not_found errors to match by kind")
	}
	if errors.Is(err, &Error{Kind: v1.ErrConflict}) {
		t.Error("expected different kinds not to match")
	}
}

func TestFromWrapsUnknownAsInternal(t *testing.T) {
	plain := errors.New("boom")
	e := From(plain)
	if e.Kind != v1.ErrInternal {
		t.Errorf("expected internal kind, got %s", e.Kind)
	}
	if !errors.Is(e, plain) {
		t.Error("expected cause to be preserved")
	}
}

func TestFromUnwrapsNestedError(t *testing.T) {
	inner := Validation("prompt is required")
	wrapped := fmt.Errorf("create execution: %w", inner)
	e := From(wrapped)
	if e.Kind != v1.ErrValidation {
		t.Errorf("expected validation kind through wrapping, got %s", e.Kind)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("bad"), http.StatusBadRequest},
		{"not found", NotFound("issue", "issue-001"), http.StatusNotFound},
		{"missing dependency", MissingDependency("sudocode-mcp not on PATH"), http.StatusFailedDependency},
		{"conflict", Conflict("blocked"), http.StatusConflict},
		{"explicit override", Conflict("not approved").WithStatus(http.StatusForbidden), http.StatusForbidden},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestToResponseCarriesBlockedBy(t *testing.T) {
	err := Conflict("promotion blocked").WithBlockedBy("issue-002", "issue-003")
	resp := ToResponse(err)
	if resp.Success {
		t.Error("expected success=false")
	}
	if resp.Error != v1.ErrConflict {
		t.Errorf("expected conflict kind, got %s", resp.Error)
	}
	if len(resp.BlockedBy) != 2 || resp.BlockedBy[0] != "issue-002" {
		t.Errorf("expected blocked_by to carry ids, got %v", resp.BlockedBy)
	}
}
