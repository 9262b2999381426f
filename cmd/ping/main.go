// Package main provides the ping command: ICMP echo round-trip probing of a
// single IPv4 host.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/postalsys/pingtrace/internal/cli"
	"github.com/postalsys/pingtrace/internal/config"
	"github.com/postalsys/pingtrace/internal/icmp"
	"github.com/postalsys/pingtrace/internal/logging"
	"github.com/postalsys/pingtrace/internal/ping"
	"github.com/postalsys/pingtrace/internal/probe"
	"github.com/postalsys/pingtrace/internal/render"
	"github.com/postalsys/pingtrace/internal/resolve"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

// env holds the process dependencies of the command.
type env struct {
	lookup resolve.Lookuper
	listen func(icmp.Config) (probe.Transport, error)
}

func defaultEnv() env {
	return env{
		lookup: nil, // net.DefaultResolver
		listen: func(cfg icmp.Config) (probe.Transport, error) {
			s, err := icmp.Listen(cfg)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

func main() {
	os.Exit(cli.Execute(pingCmd(defaultEnv())))
}

func pingCmd(e env) *cobra.Command {
	var (
		common     cli.CommonFlags
		count      int
		interval   float64
		size       int
		deadline   float64
		privileged bool
	)

	cmd := &cobra.Command{
		Use:   "ping [flags] target",
		Short: "Send ICMP echo requests to a host",
		Long: `Send ICMP echo requests to an IPv4 host and report round-trip times.

Runs until interrupted unless -c or -t is given. Statistics are printed
when the session ends, including after Ctrl-C.

Without --privileged an unprivileged ICMP datagram socket is used; on
Linux this requires the group to be listed in net.ipv4.ping_group_range.`,
		Version: Version,
		Args:    cli.SingleTarget,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}

			fs := cmd.Flags()
			cfg, err := common.Load(fs)
			if err != nil {
				return err
			}
			if fs.Changed("count") {
				cfg.Ping.Count = count
			}
			if fs.Changed("interval") {
				if cfg.Ping.Interval, err = cli.Seconds("i", interval); err != nil {
					return err
				}
			}
			if fs.Changed("size") {
				cfg.Ping.PayloadSize = size
			}
			if fs.Changed("timeout") {
				if cfg.Ping.Deadline, err = cli.Seconds("t", deadline); err != nil {
					return err
				}
			}
			if fs.Changed("privileged") {
				cfg.Ping.Privileged = privileged
			}
			if err := cli.Validate(cfg); err != nil {
				return err
			}

			return run(cmd, e, args[0], cfg, common.NoColor)
		},
	}

	common.Register(cmd.Flags(), "ping")
	cmd.Flags().IntVarP(&count, "count", "c", 0, "Stop after sending this many probes (0 = until interrupted)")
	cmd.Flags().Float64VarP(&interval, "interval", "i", 1, "Seconds to wait between probes")
	cmd.Flags().IntVarP(&size, "size", "s", icmp.DefaultPayloadSize, "Payload size in bytes")
	cmd.Flags().Float64VarP(&deadline, "timeout", "t", 0, "Stop after this many seconds (0 = no deadline)")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use a raw ICMP socket (requires CAP_NET_RAW or root)")

	return cmd
}

func run(cmd *cobra.Command, e env, target string, cfg *config.Config, noColor bool) error {
	stdout := cmd.OutOrStdout()
	logger := logging.NewLoggerWithWriter(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()).
		With(logging.KeyComponent, "ping")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dst, err := resolve.New(e.lookup).LookupIPv4(ctx, target)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitNoHost, Err: err}
	}

	tel, err := cli.StartTelemetry(cfg.Metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Close(); err != nil {
			logger.Warn("metrics export failed", logging.KeyError, err)
		}
	}()

	sock, err := e.listen(icmp.Config{
		Privileged:     cfg.Ping.Privileged,
		ReadBufferSize: icmp.BufferSize(cfg.Ping.PayloadSize),
	})
	if err != nil {
		return openError(err, cfg.Ping.Privileged)
	}

	printer := render.NewPingPrinter(stdout, render.ColorEnabled(stdout, noColor))
	printer.Header(target, dst, cfg.Ping.PayloadSize)

	session := ping.New(dst, sock, ping.Config{
		Count:        cfg.Ping.Count,
		Interval:     cfg.Ping.Interval,
		PayloadSize:  cfg.Ping.PayloadSize,
		Deadline:     cfg.Ping.Deadline,
		ProbeTimeout: cfg.Ping.ProbeTimeout,
		// Datagram sockets replace the identifier with the local port.
		MatchIdentifier: cfg.Ping.Privileged,
		Observer:        printer,
		Logger:          logger,
		Metrics:         tel.Metrics,
	})
	report := session.Run(ctx)
	printer.Summary(report)

	return nil
}

func openError(err error, privileged bool) error {
	if !errors.Is(err, icmp.ErrPermission) {
		return err
	}
	hint := "run as root or grant CAP_NET_RAW"
	if !privileged {
		hint = "add your group to net.ipv4.ping_group_range or use --privileged as root"
	}
	return &cli.ExitError{Code: cli.ExitNoPerm, Err: fmt.Errorf("%w (%s)", err, hint)}
}
