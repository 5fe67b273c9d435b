package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/zkrecipes/cluster/leader"
)

var latchCmd = &cobra.Command{
	Use:   "latch",
	Short: "Run leader latch participants until interrupted",
	Long: `latch starts --participants leader latches at --path, each with its own
session, and logs leadership changes. With --rotate set, the leader closes
its latch after that long and rejoins, handing leadership to the next
participant.`,
	RunE: latch,
}

func init() {
	rootCmd.AddCommand(latchCmd)

	latchCmd.Flags().String("path", "/latches/demo", "Latch path")
	latchCmd.Flags().Int("participants", 3, "Number of participants")
	latchCmd.Flags().Duration("rotate", 0, "Step down after leading this long (0 leads until interrupted)")
}

func latch(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	n, _ := cmd.Flags().GetInt("participants")
	rotate, _ := cmd.Flags().GetDuration("rotate")

	clients, err := dialN(cmd, n)
	if err != nil {
		return err
	}
	defer closeAll(clients)

	return runParticipants(env.ctx, n, func(ctx context.Context, i int) error {
		id := fmt.Sprintf("participant-%d", i)
		logger := env.logger.With().Str("participant", id).Logger()

		for {
			l := leader.NewLatch(clients[i], leader.LatchConfig{
				Path:   path,
				ID:     id,
				Logger: &env.logger,
			})
			l.AddListener(leader.ListenerFuncs{
				OnLeader:    func() { logger.Info().Msg("is leader") },
				OnNotLeader: func() { logger.Info().Msg("not leader") },
			})

			if err := l.Start(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			err := l.Await(ctx)
			if err == nil {
				if cur, err := l.Leader(); err == nil {
					logger.Debug().Str("leader", cur.ID).Msg("leader lookup")
				}
				if rotate > 0 {
					select {
					case <-time.After(rotate):
					case <-ctx.Done():
					}
				} else {
					<-ctx.Done()
				}
			}

			l.Close()

			if ctx.Err() != nil {
				return nil
			}
		}
	})
}
