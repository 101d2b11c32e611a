package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modbus-simulator/internal/regsim/schema"
)

func minimalSpec(name, ip string, port int) Spec {
	return Spec{
		Name:    name,
		IP:      ip,
		Port:    port,
		SlaveID: 1,
		Registers: []schema.RegisterConfig{
			{Name: "voltage", Address: 0, Type: "U16", Scale: 10, BaseValue: 230},
		},
	}
}

func TestAddAndRemove(t *testing.T) {
	sup := New(zap.NewNop())
	ctx := context.Background()

	id, err := sup.Add(ctx, minimalSpec("sim1", "127.0.0.1", 0))
	require.NoError(t, err)
	require.Len(t, sup.List(), 1)

	snap, err := sup.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 230.0, snap["voltage"])

	require.NoError(t, sup.Remove(id))
	assert.Empty(t, sup.List())
}

func TestAddRejectsInvalidSchema(t *testing.T) {
	sup := New(zap.NewNop())
	spec := minimalSpec("bad", "127.0.0.1", 0)
	spec.Registers = []schema.RegisterConfig{{Name: "a", Address: 0, Type: "bogus", Scale: 1}}

	_, err := sup.Add(context.Background(), spec)
	assert.Error(t, err)
	assert.Empty(t, sup.List())
}

func TestAddRejectsDuplicateAddress(t *testing.T) {
	sup := New(zap.NewNop())
	ctx := context.Background()

	id1, err := sup.Add(ctx, minimalSpec("sim1", "127.0.0.1", 15020))
	require.NoError(t, err)
	t.Cleanup(func() { sup.Remove(id1) })

	_, err = sup.Add(ctx, minimalSpec("sim2", "127.0.0.1", 15020))
	require.Error(t, err)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
}

func TestShutdownStopsEverySimulation(t *testing.T) {
	sup := New(zap.NewNop())
	ctx := context.Background()

	_, err := sup.Add(ctx, minimalSpec("sim1", "127.0.0.1", 0))
	require.NoError(t, err)
	_, err = sup.Add(ctx, minimalSpec("sim2", "127.0.0.1", 0))
	require.NoError(t, err)

	sup.Shutdown()
	assert.Empty(t, sup.List())
}

func TestRemoveUnknownSimulation(t *testing.T) {
	sup := New(zap.NewNop())
	err := sup.Remove(SimId("does-not-exist"))
	assert.Error(t, err)
}

func TestEngineIsWiredToEscalateInternalErrors(t *testing.T) {
	sup := New(zap.NewNop())
	id, err := sup.Add(context.Background(), minimalSpec("sim1", "127.0.0.1", 0))
	require.NoError(t, err)

	sup.mu.RLock()
	sim := sup.sims[id]
	sup.mu.RUnlock()
	require.NotNil(t, sim)
	require.NotNil(t, sim.engine.OnFatal, "Add must wire OnFatal so an InternalError stops and deregisters this simulation (spec §7)")

	// Drive the callback directly, the way the engine would on a real
	// invariant violation, and confirm it deregisters the simulation
	// without requiring the caller to do anything else.
	sim.engine.OnFatal(errors.New("simulated invariant violation"))

	assert.Eventually(t, func() bool {
		return len(sup.List()) == 0
	}, time.Second, 10*time.Millisecond, "OnFatal must deregister only the offending simulation")
}
