package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/zkrecipes/cluster/zookeeper"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire an exclusive lock, hold it, then release it",
	Long: `lock acquires the exclusive lock at --path, holds it for --hold and
releases it. With --participants greater than one, that many sessions
contend for the lock and take turns.`,
	RunE: lock,
}

func init() {
	rootCmd.AddCommand(lockCmd)

	lockCmd.Flags().String("path", "/locks/demo", "Lock path")
	lockCmd.Flags().Duration("hold", 5*time.Second, "How long to hold the lock")
	lockCmd.Flags().Duration("timeout", 30*time.Second, "Give up acquiring after this long")
	lockCmd.Flags().Int("participants", 1, "Number of contending sessions")
}

func lock(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	hold, _ := cmd.Flags().GetDuration("hold")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	n, _ := cmd.Flags().GetInt("participants")

	clients, err := dialN(cmd, n)
	if err != nil {
		return err
	}
	defer closeAll(clients)

	var locks []*zookeeper.ZooKeeperLock
	for i, c := range clients {
		l, err := zookeeper.NewZooKeeperLock(c, zookeeper.ZooKeeperLockConfig{
			Path:          path,
			ParticipantID: fmt.Sprintf("participant-%d", i),
			Logger:        &env.logger,
		})
		if err != nil {
			return err
		}
		defer l.Close()
		locks = append(locks, l)
	}

	return runParticipants(env.ctx, len(locks), func(ctx context.Context, i int) error {
		return holdLock(ctx, locks[i], fmt.Sprintf("participant-%d", i), hold, timeout)
	})
}

// holdLock acquires l within timeout, holds it for hold, then releases it.
func holdLock(ctx context.Context, l *zookeeper.ZooKeeperLock, name string, hold, timeout time.Duration) error {
	logger := env.logger.With().Str("participant", name).Str("kind", l.Kind()).Logger()

	start := time.Now()
	ok, err := l.Acquire(ctx, timeout)
	switch {
	case err != nil && ctx.Err() != nil:
		// Interrupted while waiting.
		return nil
	case err != nil:
		return err
	case !ok:
		logger.Warn().Dur("waited", time.Since(start)).Msg("timed out waiting for the lock")
		return nil
	}

	logger.Info().
		Dur("waited", time.Since(start)).
		Str("znode", l.LockZnode()).
		Msg("lock acquired")

	select {
	case <-time.After(hold):
	case <-ctx.Done():
	case <-l.Lost():
		logger.Warn().Msg("lock lost with the session")
	}

	// Release even when interrupted.
	err = l.Unlock(context.Background())
	if errors.Is(err, zookeeper.ErrNotLocked) {
		return nil
	}
	if err == nil {
		logger.Info().Msg("lock released")
	}

	return err
}
