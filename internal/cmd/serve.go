package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/killswitch"
)

func newServeCmd(a *app) *cobra.Command {
	var testInterval time.Duration

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the long-lived controller",
		GroupID: GroupSwitch,
		Long: `Run the controller until interrupted: record acknowledgments published
on the event bus and, with --test-interval, run recovery tests on a schedule.
Requires an event bus (--nats-url or [nats] url).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("test-interval") {
				testInterval = a.cfg.TestInterval.Duration
			}

			e, err := a.open(ctx, envOptions{bus: true, initialize: true})
			if err != nil {
				return err
			}
			defer e.close()

			a.log.Info("serving kill switch",
				"state", a.cfg.StatePath(), "nats", a.cfg.NATS.URL, "test_interval", testInterval)
			err = e.ctrl.Serve(ctx, killswitch.ServeOptions{TestInterval: testInterval})
			if err != nil {
				return err
			}
			a.log.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().DurationVar(&testInterval, "test-interval", 0, "run a recovery test this often (0 disables; default from config)")
	return cmd
}
