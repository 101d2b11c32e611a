// Package bank implements the register bank: the per-simulation store of
// wire-level words and scaled values described in spec §3/§4.2. It is the
// single point of truth both the update loop and the Modbus endpoint read
// and write through, and it is the sole owner of the exclusive lock that
// makes a tick atomic with respect to readers (spec §5).
package bank

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"modbus-simulator/internal/regsim/expr"
	"modbus-simulator/internal/regsim/schema"
)

// ErrIllegalAddress reports a read or write whose address range is not
// fully and exactly covered by declared (and, for writes, Writable)
// registers. The caller (the endpoint adapter) turns this into Modbus
// exception 02.
var ErrIllegalAddress = errors.New("illegal data address")

// InternalError reports a violated invariant that should be impossible to
// reach (spec §7, §8): the wire bytes for some register no longer decode
// to that register's own tracked scaled value. Detecting one means the
// bank's bookkeeping diverged from its own encoding contract, not that the
// simulated process produced a bad reading. The caller stops the
// offending simulation; the rest of the process keeps running (spec §7
// "Only InternalError escalates").
type InternalError struct {
	Register string
	Reason   string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: register %q: %s", e.Register, e.Reason)
}

// Bank holds one simulation's register state.
type Bank struct {
	schema *schema.Schema

	mu         sync.RWMutex
	raw        []uint16
	scaled     map[string]float64
	globals    map[string]float64
	lastUpdate time.Time
	ticked     bool
}

// New builds a bank from a frozen schema, initializing scaled values per
// role (spec §3 Lifecycle) and the corresponding wire bytes.
func New(s *schema.Schema) *Bank {
	b := &Bank{
		schema:  s,
		raw:     make([]uint16, s.MaxAddr),
		scaled:  make(map[string]float64, len(s.Registers)),
		globals: make(map[string]float64, len(s.Registers)),
	}
	for _, r := range s.Registers {
		v := initialScaled(r)
		b.scaled[r.Name] = v
		b.encodeInto(r, v)
	}
	b.refreshGlobalsLocked()
	return b
}

func initialScaled(r *schema.Register) float64 {
	switch r.Role {
	case schema.RoleConstant, schema.RoleRandom, schema.RoleWritable:
		v := r.BaseValue
		if r.Role == schema.RoleWritable {
			v = clampToBounds(v, r)
		}
		return v
	default: // Accumulator, Expression
		return 0
	}
}

func clampToBounds(v float64, r *schema.Register) float64 {
	if r.MinValue != nil && v < *r.MinValue {
		return *r.MinValue
	}
	if r.MaxValue != nil && v > *r.MaxValue {
		return *r.MaxValue
	}
	return v
}

func (b *Bank) encodeInto(r *schema.Register, scaled float64) {
	words := encode(scaled, r)
	copy(b.raw[r.Address:int(r.Address)+r.Width], words)
}

func (b *Bank) refreshGlobalsLocked() {
	for _, r := range b.schema.Registers {
		if r.Role == schema.RoleWritable {
			b.globals[r.VariableName] = b.scaled[r.Name]
		}
	}
}

// Schema returns the bank's frozen schema.
func (b *Bank) Schema() *schema.Schema { return b.schema }

// ReadWords returns the current wire view [start, start+count), atomic
// with respect to any in-flight tick or write.
func (b *Bank) ReadWords(start, count int) ([]uint16, error) {
	if count <= 0 || start < 0 || start+count > len(b.raw) {
		return nil, ErrIllegalAddress
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint16, count)
	copy(out, b.raw[start:start+count])
	return out, nil
}

// WriteWords accepts a write only if every touched address belongs to a
// single Writable register, or to a consecutive block of Writables, each
// fully covered (spec §4.2). Values are clamped to the register's
// min/max bounds (if any) and to its numeric type's representable range,
// then accepted — clamp-and-accept, never rejected as an illegal value
// (spec §4.6, §9 open question).
func (b *Bank) WriteWords(start int, words []uint16) error {
	count := len(words)
	if count == 0 || start < 0 || start+count > len(b.raw) {
		return ErrIllegalAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	touched, err := b.writableSpan(start, count)
	if err != nil {
		return err
	}

	for _, r := range touched {
		regWords := words[int(r.Address)-start : int(r.Address)-start+r.Width]
		v := decode(regWords, r)
		v = clampToBounds(v, r)
		b.scaled[r.Name] = v
		b.encodeInto(r, v)
	}
	b.refreshGlobalsLocked()
	return nil
}

// writableSpan returns, in address order, the distinct Writable registers
// whose full span lies within [start, start+count); any gap, any
// non-Writable register, or any register only partially covered is
// rejected with ErrIllegalAddress.
func (b *Bank) writableSpan(start, count int) ([]*schema.Register, error) {
	end := start + count
	var touched []*schema.Register
	seen := map[string]struct{}{}
	for addr := start; addr < end; addr++ {
		r, ok := b.schema.RegisterAt(uint16(addr))
		if !ok || r.Role != schema.RoleWritable {
			return nil, fmt.Errorf("%w: address %d is not a writable register", ErrIllegalAddress, addr)
		}
		if int(r.Address) < start || int(r.Address)+r.Width > end {
			return nil, fmt.Errorf("%w: write partially overlaps register %q", ErrIllegalAddress, r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			continue
		}
		seen[r.Name] = struct{}{}
		touched = append(touched, r)
	}
	return touched, nil
}

// GetScaled returns a register's current scaled value.
func (b *Bank) GetScaled(name string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.scaled[name]
	return v, ok
}

// Snapshot returns a copy of every register's current scaled value, for
// presentation to the dashboard collaborator (spec §4.2, §6).
func (b *Bank) Snapshot() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.scaled))
	for k, v := range b.scaled {
		out[k] = v
	}
	return out
}

// StepFunc computes a register's new scaled value for this tick. env
// exposes every register's pre-walk-position scaled value (updated live as
// the topological walk proceeds) plus the globals table. current is the
// register's scaled value going into this tick. ok=false means the step
// produced an unusable result (NaN/Inf); the bank then retains the
// register's previous value and reports it as an EvalError.
type StepFunc func(reg *schema.Register, env expr.Env, dt float64, current float64) (value float64, ok bool)

// TickResult summarizes one pass of the update loop.
type TickResult struct {
	Now       time.Time
	DT        float64
	EvalFails []string // register names whose step produced NaN/Inf this tick
	Fatal     *InternalError
}

// Tick performs one complete update-loop pass under the bank's exclusive
// lock: it computes dt, refreshes globals from Writable values, walks the
// schema's evaluation order invoking step for every Random/Expression/
// Accumulator register, then re-encodes every changed value into raw
// (spec §4.5). The whole walk-and-re-encode is one critical section, so a
// concurrent reader never observes a torn update.
func (b *Bank) Tick(now time.Time, step StepFunc) TickResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dt float64
	if b.ticked {
		dt = now.Sub(b.lastUpdate).Seconds()
		if dt < 0 {
			dt = 0
		}
	}

	b.refreshGlobalsLocked()
	env := bankEnv{b}

	var result TickResult
	for _, r := range b.schema.EvalOrder {
		switch r.Role {
		case schema.RoleConstant, schema.RoleWritable:
			continue
		}
		current := b.scaled[r.Name]
		v, ok := step(r, env, dt, current)
		if !ok || isBad(v) {
			result.EvalFails = append(result.EvalFails, r.Name)
			continue
		}
		b.scaled[r.Name] = v
		b.encodeInto(r, v)
	}

	b.lastUpdate = now
	b.ticked = true
	result.Now = now
	result.DT = dt
	result.Fatal = b.checkInvariantsLocked()
	return result
}

// checkInvariantsLocked re-verifies, register by register, that the wire
// bytes just written decode to exactly the scaled value the walk produced
// (spec §8: "raw[a..a+W] decodes to round(scaled[name]*scale)..."). Must
// only be called while b.mu is already held.
func (b *Bank) checkInvariantsLocked() *InternalError {
	for _, r := range b.schema.Registers {
		scaled, ok := b.scaled[r.Name]
		if !ok {
			return &InternalError{Register: r.Name, Reason: "register has no tracked scaled value"}
		}
		want := encode(scaled, r)
		got := b.raw[r.Address : int(r.Address)+r.Width]
		for i := range want {
			if got[i] != want[i] {
				return &InternalError{
					Register: r.Name,
					Reason:   fmt.Sprintf("raw word %d does not match its own scaled value's encoding", i),
				}
			}
		}
	}
	return nil
}

func isBad(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) } // NaN and +/-Inf both count as evaluation failures

// bankEnv adapts the bank's live scaled/globals maps to expr.Env. It must
// only be used while the bank's lock is already held (i.e. from within
// Tick's step callback).
type bankEnv struct{ b *Bank }

func (e bankEnv) Lookup(name string) (float64, bool) {
	if v, ok := e.b.scaled[name]; ok {
		return v, true
	}
	v, ok := e.b.globals[name]
	return v, ok
}
