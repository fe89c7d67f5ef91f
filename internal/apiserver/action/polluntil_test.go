package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntilDone(t *testing.T) {
	polls := 0
	output, err := PollUntil(context.Background(), PollSpec[int]{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Poll: func(context.Context) (int, error) {
			polls++
			return polls, nil
		},
		Check: func(state int) (CheckResult, error) {
			if state >= 3 {
				return Done(map[string]any{"state": state})
			}
			return Continue()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"state": 3}, output)
	// 完成后不再发起额外 Poll
	assert.Equal(t, 3, polls)
}

func TestPollUntilTimeoutMessage(t *testing.T) {
	_, err := PollUntil(context.Background(), PollSpec[int]{
		Interval:       time.Millisecond,
		Timeout:        20 * time.Millisecond,
		TimeoutMessage: "build did not finish in time",
		Poll:           func(context.Context) (int, error) { return 0, nil },
		Check:          func(int) (CheckResult, error) { return Continue() },
	})
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "build did not finish in time", timeoutErr.Message)
}

func TestPollUntilRemoteError(t *testing.T) {
	_, err := PollUntil(context.Background(), PollSpec[string]{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Poll:     func(context.Context) (string, error) { return "FAILED", nil },
		Check: func(state string) (CheckResult, error) {
			return CheckResult{}, &RemoteError{Message: "remote build failed: exit 1"}
		},
	})
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "remote build failed: exit 1", remoteErr.Message)
}

func TestPollUntilCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		// 长间隔休眠必须被取消立即唤醒
		_, err := PollUntil(ctx, PollSpec[int]{
			Interval: time.Hour,
			Timeout:  2 * time.Hour,
			Poll:     func(context.Context) (int, error) { return 0, nil },
			Check:    func(int) (CheckResult, error) { return Continue() },
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("PollUntil did not wake up on cancellation")
	}
}

func TestPollUntilProgress(t *testing.T) {
	var seen []int
	state := 0
	_, err := PollUntil(context.Background(), PollSpec[int]{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Poll: func(context.Context) (int, error) {
			state++
			return state, nil
		},
		Check: func(s int) (CheckResult, error) {
			if s >= 2 {
				return Done(nil)
			}
			return Continue()
		},
		OnProgress: func(s int) { seen = append(seen, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestPollUntilPollError(t *testing.T) {
	pollErr := errors.New("api unreachable")
	_, err := PollUntil(context.Background(), PollSpec[int]{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Poll:     func(context.Context) (int, error) { return 0, pollErr },
		Check:    func(int) (CheckResult, error) { return Continue() },
	})
	assert.ErrorIs(t, err, pollErr)
}
