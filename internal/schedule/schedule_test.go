package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*/15 * * * *"))
	assert.NoError(t, Validate("@hourly"))
	assert.NoError(t, Validate("@every 5m"))
	assert.Error(t, Validate("every fifteen minutes"))
	assert.Error(t, Validate(""))
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("61 * * * *", time.UTC, func() {})
	require.Error(t, err)
}

func TestSchedulerRunsJob(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := New("@every 1s", time.UTC, func() {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop(context.Background())
	assert.False(t, s.Next().IsZero())

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}
