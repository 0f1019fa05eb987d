// Command rvsim is the CLI front end for the MOESI coherence simulator:
// `run` drives a configured topology for a fixed tick budget, `stats`
// prints a final snapshot summary, and `serve` exposes live Prometheus
// metrics while a run is in progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/archsim/rvsim/internal/config"
	"github.com/archsim/rvsim/internal/sim"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&statsCmd{}, "")
	subcommands.Register(&serveCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// newLogger builds the shared JSON logrus logger every subcommand uses,
// tagged with a fresh xid-based run identifier so a batch of parallel
// `rvsim run` invocations can be told apart in aggregated log output.
func newLogger(level string) *logrus.Entry {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(config.ParseLogLevel(level))
	return base.WithField("run_id", xid.New().String())
}

type runCmd struct {
	configPath string
	maxTicks   uint64
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run the simulator for a fixed tick budget" }
func (*runCmd) Usage() string {
	return "run [-config path.ini] [-ticks N]\n"
}
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to an INI config file (optional, defaults used if omitted)")
	f.Uint64Var(&c.maxTicks, "ticks", 0, "tick budget; 0 uses the config file's max_ticks, itself 0 meaning unbounded")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}
	if c.maxTicks != 0 {
		cfg.MaxTicks = c.maxTicks
	}

	log := newLogger(cfg.LogLevel)
	reg := prometheus.NewRegistry()
	sys := sim.BuildSystem(cfg, reg, log)

	s := sim.New(sim.Config{
		Fabric:     sys.Fabric,
		Log:        log,
		Invariants: sys.InvariantSnapshot,
	})
	sys.Register(s)

	if err := s.Run(ctx, cfg.MaxTicks); err != nil {
		log.WithError(err).Error("simulation aborted")
		return subcommands.ExitFailure
	}
	if sys.Trace != nil {
		if err := sys.Trace.Flush(); err != nil {
			log.WithError(err).Warn("failed to flush event trace")
		}
	}
	log.WithField("ticks", s.CurrentTick()).Info("simulation complete")
	return subcommands.ExitSuccess
}

type statsCmd struct {
	configPath string
}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "run the simulator and print a final invariant/state summary" }
func (*statsCmd) Usage() string    { return "stats [-config path.ini]\n" }
func (c *statsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to an INI config file")
}

func (c *statsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	log := newLogger(cfg.LogLevel)
	reg := prometheus.NewRegistry()
	sys := sim.BuildSystem(cfg, reg, log)
	s := sim.New(sim.Config{Fabric: sys.Fabric, Log: log})
	sys.Register(s)

	if err := s.Run(ctx, cfg.MaxTicks); err != nil {
		log.WithError(err).Error("simulation aborted")
		return subcommands.ExitFailure
	}

	cp := sim.Snapshot(sys.InvariantSnapshot())
	fmt.Printf("ticks: %d\n", s.CurrentTick())
	fmt.Printf("l1 agents: %d  llc slices: %d  mem nodes: %d\n", len(sys.L1s), len(sys.LLC), len(sys.Mem))
	fmt.Printf("directory entries resident at end of run: %d\n", len(cp.Snapshot.Dir))
	return subcommands.ExitSuccess
}

type serveCmd struct {
	configPath string
	addr       string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the simulator while exposing live Prometheus metrics" }
func (*serveCmd) Usage() string    { return "serve [-config path.ini] [-addr :9090]\n" }
func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to an INI config file")
	f.StringVar(&c.addr, "addr", ":9090", "listen address for the /metrics endpoint")
}

func (c *serveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	log := newLogger(cfg.LogLevel)
	reg := prometheus.NewRegistry()
	sys := sim.BuildSystem(cfg, reg, log)
	s := sim.New(sim.Config{Fabric: sys.Fabric, Log: log, Invariants: sys.InvariantSnapshot})
	sys.Register(s)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: c.addr, Handler: mux}
	go func() {
		log.WithField("addr", c.addr).Info("serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	defer server.Close()

	if err := s.Run(ctx, cfg.MaxTicks); err != nil {
		log.WithError(err).Error("simulation aborted")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
