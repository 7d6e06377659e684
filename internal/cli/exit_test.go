package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	cause := errors.New("socket missing")

	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(cause))
	assert.Equal(t, ExitUsage, ExitCode(NewExitError(ExitUsage, "bad flag")))

	wrapped := fmt.Errorf("listen: %w", WrapExitError(ExitNotRunning, "connect", cause))
	assert.Equal(t, ExitNotRunning, ExitCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "listen: connect: socket missing", wrapped.Error())
}
