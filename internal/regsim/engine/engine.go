// Package engine implements the periodic update loop that advances
// Random, Expression, and Accumulator registers on a fixed tick interval
// (spec §4.5).
package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"modbus-simulator/internal/regsim/bank"
	"modbus-simulator/internal/regsim/expr"
	"modbus-simulator/internal/regsim/schema"
)

// DefaultInterval is the tick interval used when a simulation does not
// override it (spec §4.5).
const DefaultInterval = 300 * time.Millisecond

// Engine drives one simulation's bank forward, one tick at a time.
type Engine struct {
	bank     *bank.Bank
	interval time.Duration
	rng      *rand.Rand
	log      *zap.Logger

	// OnFatal is invoked by Tick whenever a tick reports an
	// *bank.InternalError (spec §7 "Only InternalError escalates"); Run
	// stops after the first such tick, so within Run it fires at most once.
	// The supervisor wires this to stop and deregister just this simulation.
	// Must return quickly: it runs on Run's own goroutine.
	OnFatal func(err error)

	stopped bool
}

// New builds an engine for bank b, ticking every interval (or
// DefaultInterval if interval <= 0).
func New(b *bank.Bank, interval time.Duration, log *zap.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		bank:     b,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
	}
}

// Tick runs exactly one pass of the update loop immediately. The
// lifecycle forces one such call before a simulation's endpoint accepts
// traffic, so expressions see consistent inputs from the first request
// onward.
func (e *Engine) Tick() {
	result := e.bank.Tick(time.Now(), e.step)
	for _, name := range result.EvalFails {
		e.log.Warn("evaluation produced NaN/Inf; keeping previous value",
			zap.String("register", name))
	}
	if result.Fatal != nil {
		e.log.Error("invariant violation detected; stopping simulation", zap.Error(result.Fatal))
		e.stopped = true
		if e.OnFatal != nil {
			e.OnFatal(result.Fatal)
		}
	}
}

// Run ticks the engine on a constant-delay schedule until ctx is
// canceled. A tick that overruns the interval simply shortens the
// subsequent sleep (spec §5 "Timeouts").
func (e *Engine) Run(ctx context.Context) {
	schedule := cron.ConstantDelaySchedule{Delay: e.interval}
	next := time.Now()
	for {
		// ConstantDelaySchedule.Next rounds down to the whole second; add the
		// sub-second part back so intervals below one second keep their spacing.
		next = schedule.Next(next).Add(time.Duration(next.Nanosecond()))
		wait := time.Until(next)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.Tick()
		if e.stopped {
			return
		}
	}
}

// step computes one register's new scaled value for the current tick. It
// is passed to bank.Tick so the whole walk runs under one lock.
func (e *Engine) step(reg *schema.Register, env expr.Env, dt float64, current float64) (float64, bool) {
	switch reg.Role {
	case schema.RoleRandom:
		u := e.rng.Float64()*2*reg.Fluctuation - reg.Fluctuation
		return reg.BaseValue * (1 + u), true
	case schema.RoleExpression:
		v := reg.Expr.Eval(env)
		if isNaN(v) {
			return 0, false
		}
		return v, true
	case schema.RoleAccumulator:
		rate, ok := env.Lookup(reg.Source)
		if !ok || isNaN(rate) {
			return 0, false
		}
		return current + rate*(dt/3600.0), true
	default:
		return current, true
	}
}

func isNaN(v float64) bool { return v != v }
