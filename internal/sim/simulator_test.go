package sim

import (
	"context"
	"testing"

	"github.com/archsim/rvsim/internal/moesi"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct{ ticks int }

func (f *fakeTicker) Tick() { f.ticks++ }

type countingComponent struct {
	current int
	apply   int
}

func (c *countingComponent) OnCurrentTick() { c.current++ }
func (c *countingComponent) ApplyNextTick() { c.apply++ }

type panickingComponent struct{}

func (panickingComponent) OnCurrentTick() {
	panic(moesi.ProtocolInvariant{Component: "test", Reason: "boom", Detail: "forced"})
}
func (panickingComponent) ApplyNextTick() {}

func TestRunAdvancesEveryComponentEachTick(t *testing.T) {
	ticker := &fakeTicker{}
	s := New(Config{Fabric: ticker})
	a := &countingComponent{}
	b := &countingComponent{}
	s.AddComponent(a)
	s.AddComponent(b)

	require.NoError(t, s.Run(context.Background(), 5))

	require.Equal(t, 5, a.current)
	require.Equal(t, 5, a.apply)
	require.Equal(t, 5, b.current)
	require.Equal(t, 5, ticker.ticks)
	require.Equal(t, uint64(5), s.CurrentTick())
}

func TestTickRecoversProtocolInvariantAsError(t *testing.T) {
	ticker := &fakeTicker{}
	s := New(Config{Fabric: ticker})
	s.AddComponent(panickingComponent{})

	err := s.Tick(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestRunInvokesInvariantSourceOnSchedule(t *testing.T) {
	ticker := &fakeTicker{}
	calls := 0
	s := New(Config{
		Fabric: ticker,
		Invariants: func() moesi.SystemSnapshot {
			calls++
			return moesi.SystemSnapshot{}
		},
		InvariantEvery: 2,
	})
	s.AddComponent(&countingComponent{})

	require.NoError(t, s.Run(context.Background(), 6))
	require.Equal(t, 3, calls)
}
