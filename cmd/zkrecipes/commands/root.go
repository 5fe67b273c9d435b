package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jamiealquiza/envy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/DataDog/zkrecipes/store"
)

var rootCmd = &cobra.Command{
	Use:   "zkrecipes",
	Short: "Exercise ZooKeeper coordination recipes",
	Long: `zkrecipes runs locks, leader elections and caches against a ZooKeeper
ensemble. Every flag can also be set through the environment, e.g.
ZKRECIPES_ZK_ADDR for --zk-addr.`,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
	SilenceUsage:       true,
}

// env holds what setup builds for a subcommand.
var env struct {
	ctx     context.Context
	stop    context.CancelFunc
	logger  zerolog.Logger
	metrics *http.Server
	tracing bool
}

func init() {
	rootCmd.PersistentFlags().String("zk-addr", "localhost:2181", "ZooKeeper connect string")
	rootCmd.PersistentFlags().String("zk-prefix", "zkrecipes", "ZooKeeper namespace prefix")
	rootCmd.PersistentFlags().Duration("session-timeout", 10*time.Second, "ZooKeeper session timeout")
	rootCmd.PersistentFlags().String("metrics-listen", "", "Serve Prometheus metrics at this address (disabled if empty)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: [debug, info, warn, error]")
	rootCmd.PersistentFlags().Bool("trace", false, "Send traces to the local Datadog agent")
}

// Execute runs the root command.
func Execute() {
	envy.ParseCobra(rootCmd, envy.CobraConfig{Prefix: "ZKRECIPES", Persistent: true})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	lvl, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(lvl)
	if err != nil {
		return err
	}

	env.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	env.ctx, env.stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if addr, _ := cmd.Flags().GetString("metrics-listen"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		env.metrics = &http.Server{Addr: addr, Handler: mux}

		go func() {
			if err := env.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	if env.tracing, _ = cmd.Flags().GetBool("trace"); env.tracing {
		tracer.Start(tracer.WithService("zkrecipes"))
	}

	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if env.tracing {
		tracer.Stop()
	}

	if env.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.metrics.Shutdown(ctx)
	}

	env.stop()

	return nil
}

// dial opens a new session. Each participant a command simulates gets its
// own.
func dial(cmd *cobra.Command) (*store.Client, error) {
	addr, _ := cmd.Flags().GetString("zk-addr")
	prefix, _ := cmd.Flags().GetString("zk-prefix")
	timeout, _ := cmd.Flags().GetDuration("session-timeout")

	c, err := store.Dial(store.Config{
		Connect:        addr,
		Prefix:         prefix,
		SessionTimeout: timeout,
		Logger:         &env.logger,
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.AwaitSession(env.ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// dialN opens n sessions. Any opened before a failure are closed.
func dialN(cmd *cobra.Command, n int) ([]*store.Client, error) {
	var clients []*store.Client
	for i := 0; i < n; i++ {
		c, err := dial(cmd)
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func closeAll(clients []*store.Client) {
	for _, c := range clients {
		c.Close()
	}
}
