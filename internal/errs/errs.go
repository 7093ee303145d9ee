package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUnknownMachine   = errors.New("unknown machine")
)

// Invalid reports a parameter value outside its allowed set. The result wraps
// ErrInvalidParameter.
func Invalid(param, value string, allowed []string) error {
	quoted := make([]string, len(allowed))
	for i, a := range allowed {
		quoted[i] = "'" + a + "'"
	}
	return fmt.Errorf("%w: %s %q, must be one of %s", ErrInvalidParameter, param, value, strings.Join(quoted, ", "))
}
