package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/zkrecipes/cluster/zookeeper"
)

var rwlockCmd = &cobra.Command{
	Use:   "rwlock",
	Short: "Acquire the read or write side of a read-write lock",
	Long: `rwlock runs --readers sessions taking the read lock and --writers sessions
taking the write lock at --path. Readers share the lock; a writer holds it
alone. Each participant holds its side for --hold.`,
	RunE: rwlock,
}

func init() {
	rootCmd.AddCommand(rwlockCmd)

	rwlockCmd.Flags().String("path", "/rwlocks/demo", "Lock path")
	rwlockCmd.Flags().Duration("hold", 5*time.Second, "How long to hold the lock")
	rwlockCmd.Flags().Duration("timeout", 30*time.Second, "Give up acquiring after this long")
	rwlockCmd.Flags().Int("readers", 2, "Number of reading sessions")
	rwlockCmd.Flags().Int("writers", 1, "Number of writing sessions")
}

func rwlock(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	hold, _ := cmd.Flags().GetDuration("hold")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	readers, _ := cmd.Flags().GetInt("readers")
	writers, _ := cmd.Flags().GetInt("writers")

	clients, err := dialN(cmd, readers+writers)
	if err != nil {
		return err
	}
	defer closeAll(clients)

	type participant struct {
		name string
		lock *zookeeper.ZooKeeperLock
	}

	var participants []participant
	for i, c := range clients {
		name := fmt.Sprintf("reader-%d", i)
		if i >= readers {
			name = fmt.Sprintf("writer-%d", i-readers)
		}

		rw, err := zookeeper.NewReadWriteLock(c, zookeeper.ZooKeeperLockConfig{
			Path:          path,
			ParticipantID: name,
			Logger:        &env.logger,
		})
		if err != nil {
			return err
		}
		defer rw.Close()

		l := rw.ReadLock()
		if i >= readers {
			l = rw.WriteLock()
		}
		participants = append(participants, participant{name: name, lock: l})
	}

	return runParticipants(env.ctx, len(participants), func(ctx context.Context, i int) error {
		p := participants[i]
		return holdLock(ctx, p.lock, p.name, hold, timeout)
	})
}
