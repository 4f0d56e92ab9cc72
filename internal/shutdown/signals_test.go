//go:build !windows

package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoordinator_ListenForSignals(t *testing.T) {
	c, rec := newTestCoordinator(fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.ListenForSignals(ctx)

	assert.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR2))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not triggered by SIGUSR2")
	}
	assert.Equal(t, []int{ExitOK}, rec.calls())
}
