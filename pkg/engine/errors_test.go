package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorFormatting(t *testing.T) {
	err := NewPermanentError("manifest not found", nil).
		WithCode(ErrCodeManifestNotFound).
		WithResource("train1")

	want := "[permanent] manifest not found (resource=train1)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	wrapped := NewTransientError("provider query failed", errors.New("connection reset")).
		WithResource("aws").
		WithOperation("list")
	want = "[transient] provider query failed (resource=aws, operation=list): connection reset"
	if wrapped.Error() != want {
		t.Errorf("expected %q, got %q", want, wrapped.Error())
	}
}

func TestErrorClassHelpers(t *testing.T) {
	base := NewNotFoundError(ErrCodeSnapshotNotFound, "no snapshot")
	wrapped := fmt.Errorf("rollback: %w", base)

	if !IsNotFound(wrapped) {
		t.Error("expected wrapped snapshot error to be not-found")
	}
	if !IsPermanent(wrapped) {
		t.Error("expected wrapped snapshot error to be permanent")
	}
	if IsTransient(wrapped) {
		t.Error("did not expect transient")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}

	pinned := NewConflictError("operation is pinned", nil).WithCode(ErrCodePinned)
	if !IsConflict(pinned) {
		t.Error("expected pinned error to be a conflict")
	}
	if !errors.Is(pinned, &EngineError{Class: ErrorClassConflict, Code: ErrCodePinned}) {
		t.Error("errors.Is should match on class and code")
	}

	denied := NewPermanentError("missing permissions", nil).WithCode(ErrCodePermissionDenied)
	if !IsPermissionDenied(denied) {
		t.Error("expected permission denied")
	}
	if IsTimeout(denied) {
		t.Error("did not expect timeout")
	}
}

func TestRequiredPermissions(t *testing.T) {
	tests := []struct {
		mode OperationMode
		want []PermissionScope
	}{
		{ModeReadOnly, []PermissionScope{PermissionReadOnly}},
		{ModeDryRun, []PermissionScope{PermissionReadOnly, PermissionDryRun}},
		{ModePlan, []PermissionScope{PermissionReadOnly, PermissionPlanOnly}},
		{ModeApply, []PermissionScope{PermissionReadOnly, PermissionPlanOnly, PermissionApply}},
		{ModeDestroy, []PermissionScope{PermissionReadOnly, PermissionDestroy}},
		{ModeRollback, []PermissionScope{PermissionReadOnly, PermissionModifyState}},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			got := tt.mode.RequiredPermissions()
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}

	if OperationMode("bogus").Validate() == nil {
		t.Error("expected invalid mode to fail validation")
	}
}

func TestManifestNodeID(t *testing.T) {
	if id := (ManifestNode{PodID: "p1", InstanceID: "i-1"}).ID(); id != "p1" {
		t.Errorf("expected pod id to win, got %s", id)
	}
	if id := (ManifestNode{InstanceID: "i-1"}).ID(); id != "i-1" {
		t.Errorf("expected instance id fallback, got %s", id)
	}
}

func TestClassOf(t *testing.T) {
	err := fmt.Errorf("select: %w", NewThrottledError("quota exhausted", nil))
	if got := ClassOf(err); got != ErrorClassThrottled {
		t.Errorf("ClassOf() = %q, want throttled", got)
	}
	if IsTransient(err) || IsPermanent(err) {
		t.Error("throttled error misclassified")
	}
	if got := ClassOf(errors.New("plain")); got != "" {
		t.Errorf("ClassOf(plain) = %q, want empty", got)
	}
}
