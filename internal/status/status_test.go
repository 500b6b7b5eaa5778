package status_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/osbuild/osbuild-stick/internal/status"
)

func TestErrorInterface(t *testing.T) {
	for _, tc := range []struct {
		err         *status.Error
		expectedStr string
	}{
		{status.New(status.ErrorNotDeployed, "image %s is not deployed", "acme/widget"), "image acme/widget is not deployed"},
		{status.Wrap(status.ErrorUpdateFailed, fmt.Errorf("connection refused"), "cannot update %s", "acme/widget"), "cannot update acme/widget: connection refused"},
		{status.Wrap(status.ErrorUpdateFailed, nil, "cannot update %s", "acme/widget"), "cannot update acme/widget"},
	} {
		assert.Equal(t, tc.expectedStr, tc.err.Error())
	}
}

func TestCodeOf(t *testing.T) {
	err := status.New(status.ErrorNoBackup, "no backup")
	assert.Equal(t, status.ErrorNoBackup, status.CodeOf(err))
	assert.True(t, status.Is(err, status.ErrorNoBackup))
	assert.False(t, status.Is(err, status.ErrorNotDeployed))

	// the code survives wrapping with plain errors
	wrapped := fmt.Errorf("outer context: %w", err)
	assert.Equal(t, status.ErrorNoBackup, status.CodeOf(wrapped))

	// errors without a code answer with the zero code
	assert.Equal(t, status.Code(0), status.CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, status.Code(0), status.CodeOf(nil))
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := status.Wrap(status.ErrorDeployFailed, cause, "deploy went wrong")
	assert.True(t, errors.Is(err, cause))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "NotInitialized", status.ErrorNotInitialized.String())
	assert.Equal(t, "Code(99)", status.Code(99).String())
}
