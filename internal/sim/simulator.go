// Package sim drives the two-phase tick loop that every coherence
// component (bus.Fabric aside) is built against: all components compute
// OnCurrentTick concurrently, a barrier separates that phase from
// ApplyNextTick, and the fabric itself advances only after every
// component has flushed. This is the scheduling discipline the moesi
// package's deferred-send design depends on.
package sim

import (
	"context"
	"fmt"

	"github.com/archsim/rvsim/internal/moesi"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

// Tickable is anything the Simulator can schedule: an L1, an LLC slice, a
// memory node, or the DMA engine.
type Tickable interface {
	OnCurrentTick()
	ApplyNextTick()
}

// Ticker is the subset of bus.InProcFabric the Simulator needs to advance
// in-flight packets past their latency once every component has flushed.
type Ticker interface {
	Tick()
}

// InvariantSource lets the Simulator ask for a fresh SystemSnapshot
// without internal/sim importing any component types directly.
type InvariantSource func() moesi.SystemSnapshot

// Simulator is the top-level driver: construct one, AddComponent every
// agent on the fabric, then Run it for a fixed tick budget or until ctx
// is canceled. It owns nothing about the coherence protocol itself —
// that lives entirely in the components it schedules.
type Simulator struct {
	components []Tickable
	fabric     Ticker

	log *logrus.Entry

	invariants     InvariantSource
	invariantEvery uint64

	tick uint64
}

// Config bundles Simulator construction parameters.
type Config struct {
	Fabric Ticker
	Log    *logrus.Entry

	// Invariants, if set, is called every InvariantEvery ticks (default
	// 1, i.e. every tick) to walk the live component state and report
	// any broken MOESI invariant as a warning rather than a crash —
	// Run itself never fails because of a reported violation, it only
	// logs it, since a caller may want to collect every one found
	// during a long run instead of stopping at the first.
	Invariants     InvariantSource
	InvariantEvery uint64
}

// New builds a Simulator. It calls automaxprocs once per process so a
// containerized run doesn't oversubscribe the errgroup worker pool below
// the host's real CPU quota.
func New(cfg Config) *Simulator {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.InvariantEvery == 0 {
		cfg.InvariantEvery = 1
	}
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		cfg.Log.Debugf(format, args...)
	})); err != nil {
		cfg.Log.WithError(err).Warn("automaxprocs: leaving GOMAXPROCS unchanged")
	}
	return &Simulator{
		fabric:         cfg.Fabric,
		log:            cfg.Log.WithField("component", "sim"),
		invariants:     cfg.Invariants,
		invariantEvery: cfg.InvariantEvery,
	}
}

// AddComponent registers a component to be scheduled every tick, in the
// order added for ApplyNextTick (OnCurrentTick runs concurrently and so
// has no order to speak of).
func (s *Simulator) AddComponent(c Tickable) {
	s.components = append(s.components, c)
}

// Tick runs exactly one OnCurrentTick/barrier/ApplyNextTick cycle.
//
// A ProtocolInvariant panic raised by any component is recovered here,
// the ProtocolInvariant value (component, reason, detail) is dumped via
// go-spew into the log, without any component's state, and it is
// re-raised as an error rather than a panic — a simulator
// driving thousands of ticks in a batch job should get a clean non-zero
// exit and a readable dump, not a raw stack trace.
func (s *Simulator) Tick(ctx context.Context) (err error) {
	grp, _ := errgroup.WithContext(ctx)
	for _, c := range s.components {
		c := c
		grp.Go(func() (runErr error) {
			defer func() {
				if r := recover(); r != nil {
					runErr = s.dumpPanic(r)
				}
			}()
			c.OnCurrentTick()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	for _, c := range s.components {
		if perr := func() (runErr error) {
			defer func() {
				if r := recover(); r != nil {
					runErr = s.dumpPanic(r)
				}
			}()
			c.ApplyNextTick()
			return nil
		}(); perr != nil {
			return perr
		}
	}

	s.fabric.Tick()
	s.tick++

	if s.invariants != nil && s.tick%s.invariantEvery == 0 {
		for _, v := range moesi.CheckInvariants(s.invariants()) {
			s.log.WithField("tick", s.tick).Warn(v.String())
		}
	}
	return nil
}

func (s *Simulator) dumpPanic(r any) error {
	pi, ok := r.(moesi.ProtocolInvariant)
	if !ok {
		panic(r)
	}
	dump := spew.Sdump(pi)
	s.log.WithField("tick", s.tick).Errorf("protocol invariant violated:\n%s", dump)
	return fmt.Errorf("sim: tick %d: %w", s.tick, pi)
}

// Run advances the simulator maxTicks times, or until ctx is canceled,
// whichever comes first. maxTicks == 0 means unbounded.
func (s *Simulator) Run(ctx context.Context, maxTicks uint64) error {
	for maxTicks == 0 || s.tick < maxTicks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CurrentTick reports how many ticks Run/Tick have advanced so far.
func (s *Simulator) CurrentTick() uint64 {
	return s.tick
}
