// Package present formats simulation snapshots for the dashboard/
// interactive collaborator contract (spec §6): enumeration of
// simulations plus a per-register snapshot (name, scaled value, raw
// words, description, writability flag). Nothing in the core depends on
// being observed — this package is read-only and side-effect free.
package present

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"modbus-simulator/internal/regsim/schema"
	"modbus-simulator/internal/regsim/supervisor"
)

// RegisterView is one register's presentation-ready state.
type RegisterView struct {
	Name         string   `json:"name"`
	Address      int      `json:"address"`      // 0-based internal address
	DisplayAddr  int      `json:"display_addr"` // 40001 + address, per §6
	Scaled       float64  `json:"scaled"`
	RawWords     []uint16 `json:"raw_words"`
	Description  string   `json:"description"`
	Writable     bool     `json:"writable"`
	VariableName string   `json:"variable_name,omitempty"`
}

// SimulationView is one simulation's full presentation-ready snapshot.
type SimulationView struct {
	ID        supervisor.SimId `json:"id"`
	Name      string           `json:"name"`
	Address   string           `json:"address"`
	SlaveID   int              `json:"slave_id"`
	Uptime    string           `json:"uptime"`
	Registers []RegisterView   `json:"registers"`
}

// View builds a presentation snapshot of one simulation.
func View(sim *supervisor.Simulation) SimulationView {
	sch := sim.Bank.Schema()
	scaled := sim.Bank.Snapshot()

	views := make([]RegisterView, 0, len(sch.Registers))
	for _, r := range sch.Registers {
		words, _ := sim.Bank.ReadWords(int(r.Address), r.Width)
		views = append(views, RegisterView{
			Name:         r.Name,
			Address:      int(r.Address),
			DisplayAddr:  40001 + int(r.Address),
			Scaled:       scaled[r.Name],
			RawWords:     words,
			Description:  r.Description,
			Writable:     r.Role == schema.RoleWritable,
			VariableName: r.VariableName,
		})
	}

	uptime := "unknown"
	if !sim.StartedAt.IsZero() {
		uptime = humanizeDuration(time.Since(sim.StartedAt))
	}

	return SimulationView{
		ID:        sim.ID,
		Name:      sim.Name,
		Address:   sim.Address,
		SlaveID:   sim.SlaveID,
		Uptime:    uptime,
		Registers: views,
	}
}

// humanizeDuration renders a duration the way go-humanize renders a past
// timestamp ("3 minutes", "2 hours"), reusing RelTime against an
// artificial "now" offset by d.
func humanizeDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now.Add(-d), now, "", ""))
}

// JSON renders a slice of simulation views as pretty-printed JSON, for the
// dashboard collaborator to poll (spec §6 "The dashboard polls
// snapshots").
func JSON(views []SimulationView) ([]byte, error) {
	b, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return b, nil
}
