package cmd

import (
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/connection"
	"github.com/spf13/cobra"
)

func newStatsCommand(newServer serverFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report resource and connection statistics, or adjust limits at runtime",
	}
	cmd.AddCommand(newStatsResourcesCommand(newServer))
	cmd.AddCommand(newStatsConnectionsCommand(newServer))
	cmd.AddCommand(newStatsCleanupCommand(newServer))
	cmd.AddCommand(newConfigureRateLimitsCommand(newServer))
	cmd.AddCommand(newConfigureConnectionLimitsCommand(newServer))
	return cmd
}

func newStatsResourcesCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Report tracked-process and limit counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			return printResult(cmd, srv.GetResourceStats())
		},
	}
}

func newStatsConnectionsCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "Report the active connection count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			return printResult(cmd, srv.GetConnectionStats())
		},
	}
}

func newStatsCleanupCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run an emergency cleanup pass immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			return printResult(cmd, srv.EmergencyCleanup())
		},
	}
}

func newConfigureRateLimitsCommand(newServer serverFactory) *cobra.Command {
	var perMinute, perHour, burstLimit int
	var burstWindow time.Duration

	cmd := &cobra.Command{
		Use:   "configure-rate-limits",
		Short: "Replace the active per-connection rate limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			return printResult(cmd, srv.ConfigureRateLimits(connection.Limits{
				MaxRequestsPerMinute: perMinute,
				MaxRequestsPerHour:   perHour,
				BurstLimit:           burstLimit,
				BurstWindow:          burstWindow,
			}))
		},
	}
	cmd.Flags().IntVar(&perMinute, "per-minute", 60, "max requests per connection per minute")
	cmd.Flags().IntVar(&perHour, "per-hour", 1000, "max requests per connection per hour")
	cmd.Flags().IntVar(&burstLimit, "burst-limit", 0, "max requests inside burst-window (0 disables)")
	cmd.Flags().DurationVar(&burstWindow, "burst-window", time.Second, "burst window duration")
	return cmd
}

func newConfigureConnectionLimitsCommand(newServer serverFactory) *cobra.Command {
	var maxConcurrent, maxPerIP int

	cmd := &cobra.Command{
		Use:   "configure-connection-limits",
		Short: "Replace the active connection concurrency caps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			return printResult(cmd, srv.ConfigureConnectionLimits(connection.Limits{
				MaxConcurrentConnections: maxConcurrent,
				MaxConnectionsPerIP:      maxPerIP,
			}))
		},
	}
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 100, "max total concurrent connections")
	cmd.Flags().IntVar(&maxPerIP, "max-per-ip", 10, "max concurrent connections per ip")
	return cmd
}
