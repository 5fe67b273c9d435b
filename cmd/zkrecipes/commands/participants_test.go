package commands

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunParticipants(t *testing.T) {
	var ran int32
	err := runParticipants(context.Background(), 4, func(ctx context.Context, i int) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	assert.Nil(t, err)
	assert.Equal(t, int32(4), ran)
}

func TestRunParticipantsCancelsOnError(t *testing.T) {
	boom := errors.New("boom")

	err := runParticipants(context.Background(), 3, func(ctx context.Context, i int) error {
		if i == 0 {
			return boom
		}
		<-ctx.Done()
		return nil
	})

	assert.Equal(t, boom, err)
}

func TestCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}

	for _, want := range []string{"cache", "latch", "lock", "ping", "rwlock", "selector", "version"} {
		assert.Contains(t, names, want)
	}

	for _, flag := range []string{"zk-addr", "zk-prefix", "session-timeout", "metrics-listen", "log-level", "trace"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), flag)
	}
}
