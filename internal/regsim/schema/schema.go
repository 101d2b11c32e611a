// Package schema validates a raw register configuration into a frozen,
// addressable description of a simulation's registers (spec §3, §4.1).
package schema

import (
	"fmt"
	"sort"

	"modbus-simulator/internal/regsim/expr"
	"modbus-simulator/internal/regsim/plan"
)

// NumericType is one of the five wire-level numeric encodings a register
// may use.
type NumericType string

const (
	U16 NumericType = "U16"
	U32 NumericType = "U32"
	I16 NumericType = "I16"
	I32 NumericType = "I32"
	F32 NumericType = "F32"
)

// Width returns the register's word count on the wire.
func (t NumericType) Width() int {
	switch t {
	case U16, I16:
		return 1
	case U32, I32, F32:
		return 2
	default:
		return 0
	}
}

func (t NumericType) valid() bool {
	switch t {
	case U16, U32, I16, I32, F32:
		return true
	}
	return false
}

// Bounds returns the representable integer range for the type. F32 has no
// meaningful integer bound; callers clamp against math.MaxFloat32 instead.
func (t NumericType) Bounds() (lo, hi float64) {
	switch t {
	case U16:
		return 0, 65535
	case I16:
		return -32768, 32767
	case U32:
		return 0, 4294967295
	case I32:
		return -2147483648, 2147483647
	default:
		return 0, 0
	}
}

// Role classifies a register's update rule.
type Role string

const (
	RoleConstant    Role = "constant"
	RoleRandom      Role = "random"
	RoleAccumulator Role = "accumulator"
	RoleExpression  Role = "expression"
	RoleWritable    Role = "writable"
)

// RegisterConfig is the raw, unvalidated description of one register as it
// arrives from configuration.
type RegisterConfig struct {
	Name         string
	Address      uint16
	Type         string
	Scale        float64
	Role         string
	BaseValue    float64
	Fluctuation  float64
	Source       string
	Expression   string
	VariableName string
	MinValue     *float64
	MaxValue     *float64
	Description  string
}

// Register is one validated, frozen register. Never mutated after
// Validate returns.
type Register struct {
	Name         string
	Address      uint16
	Type         NumericType
	Width        int
	Scale        float64
	Role         Role
	BaseValue    float64
	Fluctuation  float64
	Source       string
	Expr         *expr.Expr
	VariableName string
	MinValue     *float64
	MaxValue     *float64
	Description  string
}

// Schema is the frozen, validated description of an entire simulation's
// register set, including the derived per-tick evaluation order.
type Schema struct {
	Registers []*Register          // in declaration order
	byName    map[string]*Register
	addrOwner []*Register // addrOwner[a] is the register occupying wire address a, or nil
	EvalOrder []*Register // topological order, §4.4
	MaxAddr   int         // one past the highest occupied address
}

// ByName looks up a register by its name.
func (s *Schema) ByName(name string) (*Register, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// RegisterAt returns the register occupying wire address addr, if any.
// Addresses inside a wide register's span (e.g. the low word of a U32)
// resolve to that same register.
func (s *Schema) RegisterAt(addr uint16) (*Register, bool) {
	if int(addr) >= len(s.addrOwner) {
		return nil, false
	}
	r := s.addrOwner[addr]
	return r, r != nil
}

// Error is a ConfigError: a validation failure naming the offending
// register and the violated rule. Construction of a simulation fails
// atomically — no partial schema is ever exposed.
type Error struct {
	Register string
	Reason   string
}

func (e *Error) Error() string {
	if e.Register == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: register %q: %s", e.Register, e.Reason)
}

func fail(register, format string, args ...any) error {
	return &Error{Register: register, Reason: fmt.Sprintf(format, args...)}
}

// Validate builds a frozen Schema from raw register configs, or returns a
// *Error describing the first violation found along with its register.
func Validate(configs []RegisterConfig) (*Schema, error) {
	if len(configs) == 0 {
		return nil, fail("", "at least one register must be configured")
	}

	registers := make([]*Register, 0, len(configs))
	byName := make(map[string]*Register, len(configs))
	byVarName := make(map[string]*Register, len(configs))

	for _, c := range configs {
		reg, err := validateOne(c)
		if err != nil {
			return nil, err
		}
		if _, dup := byName[reg.Name]; dup {
			return nil, fail(reg.Name, "duplicate register name")
		}
		if reg.VariableName != "" {
			if _, dup := byVarName[reg.VariableName]; dup {
				return nil, fail(reg.Name, "duplicate variable_name %q", reg.VariableName)
			}
			byVarName[reg.VariableName] = reg
		}
		byName[reg.Name] = reg
		registers = append(registers, reg)
	}

	if err := checkAddressDisjoint(registers); err != nil {
		return nil, err
	}

	globals := make(map[string]struct{}, len(byVarName))
	for name := range byVarName {
		globals[name] = struct{}{}
	}
	if err := checkReferencesResolve(registers, byName, globals); err != nil {
		return nil, err
	}

	order, err := planOrder(registers, byName)
	if err != nil {
		return nil, err
	}

	maxAddr := 0
	for _, r := range registers {
		if end := int(r.Address) + r.Width; end > maxAddr {
			maxAddr = end
		}
	}
	addrOwner := make([]*Register, maxAddr)
	for _, r := range registers {
		for a := int(r.Address); a < int(r.Address)+r.Width; a++ {
			addrOwner[a] = r
		}
	}

	return &Schema{
		Registers: registers,
		byName:    byName,
		addrOwner: addrOwner,
		EvalOrder: order,
		MaxAddr:   maxAddr,
	}, nil
}

func validateOne(c RegisterConfig) (*Register, error) {
	if c.Name == "" {
		return nil, fail("", "register missing required field \"name\"")
	}
	t := NumericType(c.Type)
	if !t.valid() {
		return nil, fail(c.Name, "invalid numeric type %q", c.Type)
	}
	if c.Scale <= 0 {
		return nil, fail(c.Name, "scale must be strictly positive")
	}

	role, err := resolveRole(c)
	if err != nil {
		return nil, err
	}

	reg := &Register{
		Name:         c.Name,
		Address:      c.Address,
		Type:         t,
		Width:        t.Width(),
		Scale:        c.Scale,
		Role:         role,
		BaseValue:    c.BaseValue,
		Fluctuation:  c.Fluctuation,
		Source:       c.Source,
		VariableName: c.VariableName,
		MinValue:     c.MinValue,
		MaxValue:     c.MaxValue,
		Description:  c.Description,
	}

	switch role {
	case RoleRandom:
		if c.Fluctuation <= 0 || c.Fluctuation > 1 {
			return nil, fail(c.Name, "random register requires fluctuation in (0,1]")
		}
	case RoleAccumulator:
		if c.Source == "" {
			return nil, fail(c.Name, "accumulator register requires a source")
		}
	case RoleExpression:
		if c.Expression == "" {
			return nil, fail(c.Name, "expression register requires an expression")
		}
		tree, err := expr.Parse(c.Expression)
		if err != nil {
			return nil, fail(c.Name, "invalid expression: %v", err)
		}
		reg.Expr = tree
	case RoleWritable:
		if c.VariableName == "" {
			return nil, fail(c.Name, "writable register requires a variable_name")
		}
		if c.MinValue != nil {
			if c.MaxValue == nil {
				return nil, fail(c.Name, "min_value set without max_value")
			}
			if *c.MinValue > *c.MaxValue {
				return nil, fail(c.Name, "min_value must be <= max_value")
			}
		} else if c.MaxValue != nil {
			return nil, fail(c.Name, "max_value set without min_value")
		}
	}

	return reg, nil
}

// resolveRole enforces role exclusivity: at most one of
// {randomize, accumulate, expression, writable} may be set, and a Writable
// register may not also be Random/Accumulator/Expression.
func resolveRole(c RegisterConfig) (Role, error) {
	switch c.Role {
	case "", string(RoleConstant):
		return RoleConstant, nil
	case string(RoleRandom), string(RoleAccumulator), string(RoleExpression), string(RoleWritable):
		return Role(c.Role), nil
	default:
		return "", fail(c.Name, "unknown role %q", c.Role)
	}
}

func checkAddressDisjoint(registers []*Register) error {
	sorted := make([]*Register, len(registers))
	copy(sorted, registers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if int(cur.Address) < int(prev.Address)+prev.Width {
			return fail(cur.Name, "address range [%d,%d) overlaps register %q's range [%d,%d)",
				cur.Address, int(cur.Address)+cur.Width, prev.Name, prev.Address, int(prev.Address)+prev.Width)
		}
	}
	return nil
}

// planOrder builds the dependency graph (Expression references over name,
// Accumulator over source) and runs the planner, translating a cycle
// report into a ConfigError naming the involved registers.
func planOrder(registers []*Register, byName map[string]*Register) ([]*Register, error) {
	nodes := make([]plan.Node, 0, len(registers))
	for _, r := range registers {
		n := plan.Node{Name: r.Name, Address: r.Address}
		switch r.Role {
		case RoleExpression:
			for _, id := range r.Expr.Idents() {
				if _, ok := byName[id]; ok {
					n.DependsOn = append(n.DependsOn, id)
				}
			}
		case RoleAccumulator:
			n.DependsOn = append(n.DependsOn, r.Source)
		}
		nodes = append(nodes, n)
	}

	order, err := plan.Order(nodes)
	if err != nil {
		if cycle, ok := err.(*plan.CycleError); ok {
			return nil, fail(cycle.Members[0], "cycle detected involving registers %v", cycle.Members)
		}
		return nil, err
	}

	out := make([]*Register, len(order))
	for i, name := range order {
		out[i] = byName[name]
	}
	return out, nil
}

// checkReferencesResolve enforces invariant 3: every Expression's and
// every Accumulator's free identifiers resolve to a register name or a
// variable_name.
func checkReferencesResolve(registers []*Register, byName map[string]*Register, globals map[string]struct{}) error {
	for _, r := range registers {
		switch r.Role {
		case RoleExpression:
			for _, id := range r.Expr.Idents() {
				if _, ok := byName[id]; ok {
					continue
				}
				if _, ok := globals[id]; ok {
					continue
				}
				return fail(r.Name, "expression references unknown identifier %q", id)
			}
		case RoleAccumulator:
			if _, ok := byName[r.Source]; !ok {
				return fail(r.Name, "accumulator source %q does not refer to an existing register", r.Source)
			}
		}
	}
	return nil
}
