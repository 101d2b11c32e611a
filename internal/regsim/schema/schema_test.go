package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestValidateMinimalConstant(t *testing.T) {
	sch, err := Validate([]RegisterConfig{
		{Name: "voltage", Address: 0, Type: "U16", Scale: 10, BaseValue: 230},
	})
	require.NoError(t, err)
	require.Len(t, sch.Registers, 1)
	assert.Equal(t, 1, sch.MaxAddr)

	r, ok := sch.ByName("voltage")
	require.True(t, ok)
	assert.Equal(t, RoleConstant, r.Role)
	assert.Equal(t, 1, r.Width)
}

func TestValidateRejectsOverlappingAddresses(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "a", Address: 0, Type: "U32", Scale: 1, BaseValue: 1},
		{Name: "b", Address: 1, Type: "U16", Scale: 1, BaseValue: 1},
	})
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "b", cfgErr.Register)
}

func TestValidateRejectsDuplicateName(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "a", Address: 0, Type: "U16", Scale: 1, BaseValue: 1},
		{Name: "a", Address: 1, Type: "U16", Scale: 1, BaseValue: 1},
	})
	require.Error(t, err)
}

func TestValidateRejectsBadScale(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "a", Address: 0, Type: "U16", Scale: 0, BaseValue: 1},
	})
	assert.Error(t, err)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "a", Address: 0, Type: "U8", Scale: 1, BaseValue: 1},
	})
	assert.Error(t, err)
}

func TestValidateRandomRequiresFluctuation(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "a", Address: 0, Type: "U16", Scale: 1, Role: "random", BaseValue: 1},
	})
	assert.Error(t, err)

	_, err = Validate([]RegisterConfig{
		{Name: "a", Address: 0, Type: "U16", Scale: 1, Role: "random", BaseValue: 1, Fluctuation: 0.1},
	})
	assert.NoError(t, err)
}

func TestValidateAccumulatorRequiresExistingSource(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "total", Address: 0, Type: "U32", Scale: 1, Role: "accumulator", Source: "missing"},
	})
	assert.Error(t, err)

	sch, err := Validate([]RegisterConfig{
		{Name: "rate", Address: 0, Type: "U16", Scale: 1, BaseValue: 5},
		{Name: "total", Address: 1, Type: "U32", Scale: 1, Role: "accumulator", Source: "rate"},
	})
	require.NoError(t, err)
	assert.Equal(t, "rate", sch.EvalOrder[0].Name)
}

func TestValidateExpressionMustReferenceKnownIdentifiers(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "derived", Address: 0, Type: "U16", Scale: 1, Role: "expression", Expression: "unknown_reg * 2"},
	})
	assert.Error(t, err)

	sch, err := Validate([]RegisterConfig{
		{Name: "base", Address: 0, Type: "U16", Scale: 1, BaseValue: 10},
		{Name: "derived", Address: 1, Type: "U16", Scale: 1, Role: "expression", Expression: "base * 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "derived"}, []string{sch.EvalOrder[0].Name, sch.EvalOrder[1].Name})
}

func TestValidateExpressionMayReferenceGlobalVariableName(t *testing.T) {
	sch, err := Validate([]RegisterConfig{
		{Name: "setpoint", Address: 0, Type: "U16", Scale: 1, Role: "writable", VariableName: "sp", BaseValue: 5},
		{Name: "derived", Address: 1, Type: "U16", Scale: 1, Role: "expression", Expression: "sp * 2"},
	})
	require.NoError(t, err)
	assert.Len(t, sch.Registers, 2)
}

func TestValidateDependencyCycleRejected(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "a", Address: 0, Type: "U16", Scale: 1, Role: "expression", Expression: "b"},
		{Name: "b", Address: 1, Type: "U16", Scale: 1, Role: "expression", Expression: "a"},
	})
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
}

func TestValidateWritableMinMaxOrdering(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "sp", Address: 0, Type: "U16", Scale: 1, Role: "writable", VariableName: "sp", MinValue: f64(10), MaxValue: f64(5)},
	})
	assert.Error(t, err)

	_, err = Validate([]RegisterConfig{
		{Name: "sp", Address: 0, Type: "U16", Scale: 1, Role: "writable", VariableName: "sp", MinValue: f64(5), MaxValue: f64(10)},
	})
	assert.NoError(t, err)
}

func TestValidateWritableRequiresVariableName(t *testing.T) {
	_, err := Validate([]RegisterConfig{
		{Name: "sp", Address: 0, Type: "U16", Scale: 1, Role: "writable"},
	})
	assert.Error(t, err)
}

func TestRegisterAtResolvesWideSpan(t *testing.T) {
	sch, err := Validate([]RegisterConfig{
		{Name: "energy", Address: 0, Type: "U32", Scale: 1, BaseValue: 1},
	})
	require.NoError(t, err)

	r, ok := sch.RegisterAt(0)
	require.True(t, ok)
	assert.Equal(t, "energy", r.Name)

	r, ok = sch.RegisterAt(1)
	require.True(t, ok)
	assert.Equal(t, "energy", r.Name)

	_, ok = sch.RegisterAt(2)
	assert.False(t, ok)
}

func TestValidateRejectsEmptyConfig(t *testing.T) {
	_, err := Validate(nil)
	assert.Error(t, err)
}
