package syncq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsConnectivity(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"offline", errors.New("device is offline"), true},
		{"timeout", errors.New("request Timeout"), true},
		{"rn network", errors.New("TypeError: Network request failed"), true},
		{"fetch", errors.New("Failed to fetch"), true},
		{"firefox", errors.New("NetworkError when attempting to fetch resource."), true},
		{"socket", errors.New("socket hang up"), true},
		{"econnrefused", errors.New("connect ECONNREFUSED 10.0.0.1:443"), true},
		{"econnreset", errors.New("read ECONNRESET"), true},
		{"validation", errors.New("422: crew must not be empty"), false},
		{"no handler", fmt.Errorf("%w: REPORT", ErrNoHandler), false},
		{"deadline", fmt.Errorf("upload: %w", context.DeadlineExceeded), true},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"transient", Transient(errors.New("503")), true},
		{"wrapped transient", fmt.Errorf("upload: %w", Transient(errors.New("503"))), true},
		{"permanent wins", Permanent(errors.New("socket field invalid")), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsConnectivity(tc.err))
		})
	}
}

func TestTransient_Wrapping(t *testing.T) {
	base := errors.New("503")
	err := Transient(base)
	require.ErrorIs(t, err, base)
	require.Equal(t, "503", err.Error())
	require.Nil(t, Transient(nil))
	require.Nil(t, Permanent(nil))
}
