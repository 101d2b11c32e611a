// Package supervisor owns the collection of running simulations: their
// lifetimes, their per-simulation globals isolation, and the operations the
// dashboard/interactive collaborator drives (spec §4.7).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modbus-simulator/internal/regsim/bank"
	"modbus-simulator/internal/regsim/endpoint"
	"modbus-simulator/internal/regsim/engine"
	"modbus-simulator/internal/regsim/schema"
)

// SimId identifies one running simulation.
type SimId string

// BindError reports that (ip, port) could not be bound — by this process
// or another. No simulation is created.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Address, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// Simulation is one endpoint (ip, port, slave id) with its own register
// bank and update loop.
type Simulation struct {
	ID        SimId
	Name      string
	Address   string
	SlaveID   int
	StartedAt time.Time
	Bank      *bank.Bank
	engine    *engine.Engine
	endpoint  *endpoint.Endpoint
	cancel    context.CancelFunc
	done      chan struct{}
}

// Spec describes a simulation to be added.
type Spec struct {
	Name      string
	IP        string
	Port      int
	SlaveID   int
	Registers []schema.RegisterConfig
	Interval  time.Duration
}

// Supervisor owns every running simulation in the process.
type Supervisor struct {
	mu    sync.RWMutex
	sims  map[SimId]*Simulation
	byKey map[string]SimId // "ip:port" -> owning simulation, for bind-uniqueness
	log   *zap.Logger
}

// New builds an empty supervisor.
func New(log *zap.Logger) *Supervisor {
	return &Supervisor{
		sims:  make(map[SimId]*Simulation),
		byKey: make(map[string]SimId),
		log:   log,
	}
}

// Add validates spec's registers, builds a bank, spawns the update loop,
// and binds the endpoint. It fails atomically — on any error, nothing is
// left registered or running.
func (s *Supervisor) Add(ctx context.Context, spec Spec) (SimId, error) {
	sch, err := schema.Validate(spec.Registers)
	if err != nil {
		return "", err
	}

	address := fmt.Sprintf("%s:%d", spec.IP, spec.Port)

	s.mu.Lock()
	if existing, taken := s.byKey[address]; taken {
		s.mu.Unlock()
		return "", &BindError{Address: address, Err: fmt.Errorf("already bound by simulation %s", existing)}
	}
	// Reserve the key before releasing the lock so concurrent Add calls
	// for the same address race on byKey, not on the OS bind call.
	id := SimId(uuid.NewString())
	s.byKey[address] = id
	s.mu.Unlock()

	releaseKey := func() {
		s.mu.Lock()
		delete(s.byKey, address)
		s.mu.Unlock()
	}

	simLog := s.log.Named("sim").With(zap.String("sim_id", string(id)), zap.String("name", spec.Name))

	b := bank.New(sch)
	eng := engine.New(b, spec.Interval, simLog.Named("engine"))
	// An InternalError stops only this simulation; the process and every
	// other simulation keep running (spec §7). Remove runs on its own
	// goroutine since Tick (and therefore OnFatal) is called from inside
	// Run's own goroutine — Remove blocks on that same goroutine's exit.
	eng.OnFatal = func(err error) {
		simLog.Error("stopping simulation after invariant violation", zap.Error(err))
		go s.Remove(id)
	}
	// Force one tick before traffic is accepted, so expressions observe
	// consistent inputs from the first request onward (spec §3 Lifecycle).
	eng.Tick()

	ep := endpoint.New(b, simLog.Named("endpoint"))
	if err := ep.Listen(address); err != nil {
		releaseKey()
		return "", &BindError{Address: address, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	sim := &Simulation{
		ID:        id,
		Name:      spec.Name,
		Address:   address,
		SlaveID:   spec.SlaveID,
		StartedAt: time.Now(),
		Bank:      b,
		engine:    eng,
		endpoint:  ep,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.sims[id] = sim
	s.mu.Unlock()

	go func() {
		defer close(sim.done)
		eng.Run(runCtx)
	}()

	simLog.Info("simulation started", zap.String("address", address))
	return id, nil
}

// Remove cancels the update loop, closes the endpoint (draining in-flight
// requests within its grace window), and frees the bank.
func (s *Supervisor) Remove(id SimId) error {
	s.mu.Lock()
	sim, ok := s.sims[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown simulation %q", id)
	}
	delete(s.sims, id)
	delete(s.byKey, sim.Address)
	s.mu.Unlock()

	sim.cancel()
	<-sim.done
	sim.endpoint.Close()
	s.log.Info("simulation stopped", zap.String("sim_id", string(id)))
	return nil
}

// List returns every currently-registered simulation.
func (s *Supervisor) List() []*Simulation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Simulation, 0, len(s.sims))
	for _, sim := range s.sims {
		out = append(out, sim)
	}
	return out
}

// Snapshot returns a read-only view of one simulation's registers for
// presentation.
func (s *Supervisor) Snapshot(id SimId) (map[string]float64, error) {
	s.mu.RLock()
	sim, ok := s.sims[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown simulation %q", id)
	}
	return sim.Bank.Snapshot(), nil
}

// Shutdown cancels every running simulation concurrently and waits for
// them all to finish (spec §5 "Cancellation", process-wide Ctrl+C).
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	sims := make([]*Simulation, 0, len(s.sims))
	for _, sim := range s.sims {
		sims = append(sims, sim)
	}
	s.sims = make(map[SimId]*Simulation)
	s.byKey = make(map[string]SimId)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sim := range sims {
		wg.Add(1)
		go func(sim *Simulation) {
			defer wg.Done()
			sim.cancel()
			<-sim.done
			sim.endpoint.Close()
		}(sim)
	}
	wg.Wait()
}
