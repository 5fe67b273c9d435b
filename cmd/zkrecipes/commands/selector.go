package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/zkrecipes/cluster/leader"
)

var selectorCmd = &cobra.Command{
	Use:   "selector",
	Short: "Run leader selector participants until interrupted",
	Long: `selector starts --participants leader selectors at --path. Each leader
works for --work and then relinquishes, so leadership rotates through the
participants in turn.`,
	RunE: selector,
}

func init() {
	rootCmd.AddCommand(selectorCmd)

	selectorCmd.Flags().String("path", "/selectors/demo", "Selector path")
	selectorCmd.Flags().Int("participants", 3, "Number of participants")
	selectorCmd.Flags().Duration("work", 2*time.Second, "How long each tenure lasts")
}

func selector(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	n, _ := cmd.Flags().GetInt("participants")
	work, _ := cmd.Flags().GetDuration("work")

	clients, err := dialN(cmd, n)
	if err != nil {
		return err
	}
	defer closeAll(clients)

	return runParticipants(env.ctx, n, func(ctx context.Context, i int) error {
		id := fmt.Sprintf("participant-%d", i)

		var s *leader.Selector
		s = leader.NewSelector(clients[i], leader.SelectorConfig{
			Path:        path,
			ID:          id,
			AutoRequeue: true,
			Logger:      &env.logger,
		}, func(ctx context.Context) error {
			env.logger.Info().
				Str("participant", id).
				Int("tenure", s.Tenures()).
				Msg("leading")

			select {
			case <-time.After(work):
			case <-ctx.Done():
			}
			return nil
		})

		if err := s.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return s.Close()
	})
}
