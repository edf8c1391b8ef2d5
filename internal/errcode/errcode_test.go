package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("register: %w", New(DuplicateNode, "node %s already registered", "n1"))
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected errors.Is to match DuplicateNode, got %v", err)
	}
	if errors.Is(err, ErrUnknownNode) {
		t.Fatalf("did not expect UnknownNode match")
	}
	if CodeOf(err) != DuplicateNode {
		t.Fatalf("expected code DuplicateNode got %q", CodeOf(err))
	}
	if got := err.Error(); got != "register: DuplicateNode: node n1 already registered" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestClassOf(t *testing.T) {
	cases := map[Code]Class{
		InvalidAmount:  ClassValidation,
		NotAssignee:    ClassAuthorization,
		AlreadySettled: ClassConflict,
		UnknownTask:    ClassNotFound,
		Paused:         ClassUnavailable,
	}
	for code, want := range cases {
		if got := ClassOf(code); got != want {
			t.Fatalf("class of %s: want %s got %s", code, want, got)
		}
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("untyped error should have empty code")
	}
}
