// Package main provides the traceroute command: hop-by-hop path discovery
// using ICMP echo requests with increasing TTL.
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
	"github.com/postalsys/pingtrace/internal/render"
	"github.com/postalsys/pingtrace/internal/resolve"
	"github.com/postalsys/pingtrace/internal/trace"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

// env holds the process dependencies of the command.
type env struct {
	lookup resolve.Lookuper
	listen func(icmp.Config) (trace.Transport, error)
}

func defaultEnv() env {
	return env{
		lookup: nil, // net.DefaultResolver
		listen: func(cfg icmp.Config) (trace.Transport, error) {
			s, err := icmp.Listen(cfg)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

func main() {
	os.Exit(cli.Execute(tracerouteCmd(defaultEnv())))
}

func tracerouteCmd(e env) *cobra.Command {
	var (
		common     cli.CommonFlags
		numeric    bool
		queries    int
		summary    bool
		maxHops    int
		wait       float64
		privileged bool
	)

	cmd := &cobra.Command{
		Use:   "traceroute [flags] target",
		Short: "Print the route packets take to a host",
		Long: `Print the route ICMP echo requests take to an IPv4 host.

Each hop is probed with an increasing IP time-to-live and the router that
answers with Time Exceeded is reported. The trace stops when the target
itself replies or the hop limit is reached.

Routers only return Time Exceeded to raw sockets, so traceroute uses one by
default. Pass --privileged=false to try an unprivileged ICMP socket.`,
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
			if fs.Changed("numeric") {
				cfg.Traceroute.Numeric = numeric
			}
			if fs.Changed("queries") {
				cfg.Traceroute.Queries = queries
			}
			if fs.Changed("summary") {
				cfg.Traceroute.Summary = summary
			}
			if fs.Changed("max-hops") {
				cfg.Traceroute.MaxHops = maxHops
			}
			if fs.Changed("wait") {
				if cfg.Traceroute.ProbeTimeout, err = cli.Seconds("w", wait); err != nil {
					return err
				}
			}
			if fs.Changed("privileged") {
				cfg.Traceroute.Privileged = privileged
			}
			if err := cli.Validate(cfg); err != nil {
				return err
			}

			return run(cmd, e, args[0], cfg, common.NoColor)
		},
	}

	common.Register(cmd.Flags(), "traceroute")
	cmd.Flags().BoolVarP(&numeric, "numeric", "n", false, "Print hop addresses numerically")
	cmd.Flags().IntVarP(&queries, "queries", "q", 3, "Number of probes per hop")
	cmd.Flags().BoolVarP(&summary, "summary", "S", false, "Print packet statistics for each hop")
	cmd.Flags().IntVarP(&maxHops, "max-hops", "h", 30, "Maximum number of hops (1-255)")
	cmd.Flags().Float64VarP(&wait, "wait", "w", 5, "Seconds to wait for each reply")
	cmd.Flags().BoolVar(&privileged, "privileged", true, "Use a raw ICMP socket (requires CAP_NET_RAW or root)")

	return cmd
}

func run(cmd *cobra.Command, e env, target string, cfg *config.Config, noColor bool) error {
	stdout := cmd.OutOrStdout()
	logger := logging.NewLoggerWithWriter(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()).
		With(logging.KeyComponent, "traceroute")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := resolve.New(e.lookup)
	dst, err := resolver.LookupIPv4(ctx, target)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitNoHost, Err: err}
	}

	sockCfg := icmp.Config{
		Privileged:     cfg.Traceroute.Privileged,
		ReadBufferSize: icmp.BufferSize(cfg.Traceroute.PayloadSize),
	}
	open := func() (trace.Transport, error) {
		return e.listen(sockCfg)
	}

	// Probe sockets are opened per query; fail early if none can be.
	sock, err := open()
	if err != nil {
		return openError(err, sockCfg.Privileged)
	}
	if err := sock.Close(); err != nil {
		logger.Debug("close preflight socket", logging.KeyError, err)
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

	opts := render.TraceOptions{
		Color:   render.ColorEnabled(stdout, noColor),
		Summary: cfg.Traceroute.Summary,
		Context: ctx,
	}
	if !cfg.Traceroute.Numeric {
		opts.Namer = resolver
	}
	printer := render.NewTracePrinter(stdout, opts)
	printer.Header(target, dst, cfg.Traceroute.MaxHops)

	session := trace.New(dst, open, trace.Config{
		MaxHops:         cfg.Traceroute.MaxHops,
		Queries:         cfg.Traceroute.Queries,
		PayloadSize:     cfg.Traceroute.PayloadSize,
		ProbeTimeout:    cfg.Traceroute.ProbeTimeout,
		MatchIdentifier: sockCfg.Privileged,
		Observer:        printer,
		Logger:          logger,
		Metrics:         tel.Metrics,
	})
	report := session.Run(ctx)
	printer.Finish(report)

	return nil
}

func openError(err error, privileged bool) error {
	if !errors.Is(err, icmp.ErrPermission) {
		return err
	}
	hint := "run as root or grant CAP_NET_RAW"
	if !privileged {
		hint = "add your group to net.ipv4.ping_group_range"
	}
	return &cli.ExitError{Code: cli.ExitNoPerm, Err: fmt.Errorf("%w (%s)", err, hint)}
}
