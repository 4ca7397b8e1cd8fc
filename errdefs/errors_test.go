package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		checkFn  func(error) bool
		exitCode int
	}{
		{
			name:     "rendezvous",
			err:      Rendezvous(1, "join", context.DeadlineExceeded),
			checkFn:  IsRendezvous,
			exitCode: 2,
		},
		{
			name:     "config mismatch wrapped by fmt",
			err:      fmt.Errorf("run: %w", ConfigMismatch(1, "join", errors.New("world size 3 != 2"))),
			checkFn:  IsConfigMismatch,
			exitCode: 3,
		},
		{
			name:     "transport wrapped by pkg/errors",
			err:      pkgerrors.Wrap(Transport(0, "all_gather", errors.New("connection reset")), "probe"),
			checkFn:  IsTransport,
			exitCode: 4,
		},
		{
			name:     "probe mismatch",
			err:      ProbeMismatch(2, "broadcast", nil),
			checkFn:  IsProbeMismatch,
			exitCode: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.checkFn(tt.err))
			assert.Equal(t, tt.exitCode, ExitCode(tt.err))
		})
	}
}

func TestExitCode_Plain(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
}

func TestNew_KeepsFirstKind(t *testing.T) {
	inner := Transport(1, "send", errors.New("reset"))
	outer := Rendezvous(1, "join", inner)

	assert.True(t, IsTransport(outer))
	assert.False(t, IsRendezvous(outer))
	assert.Equal(t, "transport", KindName(outer))
}

func TestError_Message(t *testing.T) {
	err := Rendezvous(3, "join", errors.New("dial tcp 10.0.0.1:29500: connection refused"))
	assert.Equal(t, "rank 3: join: rendezvous failed: dial tcp 10.0.0.1:29500: connection refused", err.Error())

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, 3, e.Rank)
	assert.Equal(t, "join", e.Op)
}
