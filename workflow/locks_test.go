package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLock(t *testing.T) {
	l := newKeyedLock()
	ctx := context.Background()

	release, err := l.Lock(ctx, 1)
	require.NoError(t, err)

	other, err := l.Lock(ctx, 2)
	require.NoError(t, err, "different ids do not contend")
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.size())

	acquired := make(chan struct{})
	go func() {
		r, err := l.Lock(ctx, 1)
		if err == nil {
			r()
		}
		close(acquired)
	}()
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Zero(t, l.size())
}
