package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestInvalidNamesValueAndAllowedSet(t *testing.T) {
	err := Invalid("period", "week", []string{"day", "month"})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"period", `"week"`, "'day'", "'month'"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}
