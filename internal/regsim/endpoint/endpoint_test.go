package endpoint

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modbus-simulator/internal/regsim/bank"
	"modbus-simulator/internal/regsim/schema"
)

func mustSchema(t *testing.T, configs []schema.RegisterConfig) *schema.Schema {
	t.Helper()
	sch, err := schema.Validate(configs)
	require.NoError(t, err)
	return sch
}

func mbapFrame(transactionID uint16, unitID byte, pdu []byte) []byte {
	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[0:2], transactionID)
	binary.BigEndian.PutUint16(header[2:4], 0)
	binary.BigEndian.PutUint16(header[4:6], uint16(len(pdu)+1))
	header[6] = unitID
	return append(header, pdu...)
}

func dial(t *testing.T, ep *Endpoint) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", ep.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, pdu []byte) []byte {
	t.Helper()
	frame := mbapFrame(1, 1, pdu)
	_, err := conn.Write(frame)
	require.NoError(t, err)

	header := make([]byte, 7)
	_, err = readFull(conn, header)
	require.NoError(t, err)
	length := binary.BigEndian.Uint16(header[4:6])
	resp := make([]byte, length-1)
	_, err = readFull(conn, resp)
	require.NoError(t, err)
	return resp
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newEndpoint(t *testing.T, sch *schema.Schema) (*Endpoint, *bank.Bank) {
	t.Helper()
	b := bank.New(sch)
	ep := New(b, zap.NewNop())
	require.NoError(t, ep.Listen("127.0.0.1:0"))
	t.Cleanup(ep.Close)
	return ep, b
}

func TestReadHoldingRegisters(t *testing.T) {
	sch := mustSchema(t, []schema.RegisterConfig{
		{Name: "voltage", Address: 0, Type: "U16", Scale: 10, BaseValue: 230},
	})
	ep, _ := newEndpoint(t, sch)
	conn := dial(t, ep)

	pdu := []byte{functionReadHoldingRegs, 0, 0, 0, 1}
	resp := roundTrip(t, conn, pdu)

	require.Len(t, resp, 4)
	assert.Equal(t, byte(functionReadHoldingRegs), resp[0])
	assert.Equal(t, byte(2), resp[1])
	assert.Equal(t, uint16(2300), binary.BigEndian.Uint16(resp[2:4]))
}

func TestReadHoldingRegistersIllegalAddress(t *testing.T) {
	sch := mustSchema(t, []schema.RegisterConfig{
		{Name: "voltage", Address: 0, Type: "U16", Scale: 10, BaseValue: 230},
	})
	ep, _ := newEndpoint(t, sch)
	conn := dial(t, ep)

	pdu := []byte{functionReadHoldingRegs, 0, 10, 0, 1}
	resp := roundTrip(t, conn, pdu)

	require.Len(t, resp, 2)
	assert.Equal(t, byte(functionReadHoldingRegs|0x80), resp[0])
	assert.Equal(t, byte(exceptionIllegalDataAddr), resp[1])
}

func TestWriteSingleRegister(t *testing.T) {
	sch := mustSchema(t, []schema.RegisterConfig{
		{Name: "sp", Address: 0, Type: "U16", Scale: 1, Role: "writable", VariableName: "sp", BaseValue: 0},
	})
	ep, b := newEndpoint(t, sch)
	conn := dial(t, ep)

	pdu := []byte{functionWriteSingleReg, 0, 0, 0, 42}
	resp := roundTrip(t, conn, pdu)

	assert.Equal(t, pdu, resp)
	v, _ := b.GetScaled("sp")
	assert.Equal(t, 42.0, v)
}

func TestWriteSingleRegisterRejectsNonWritable(t *testing.T) {
	sch := mustSchema(t, []schema.RegisterConfig{
		{Name: "ro", Address: 0, Type: "U16", Scale: 1, BaseValue: 0},
	})
	ep, _ := newEndpoint(t, sch)
	conn := dial(t, ep)

	pdu := []byte{functionWriteSingleReg, 0, 0, 0, 42}
	resp := roundTrip(t, conn, pdu)

	require.Len(t, resp, 2)
	assert.Equal(t, byte(functionWriteSingleReg|0x80), resp[0])
	assert.Equal(t, byte(exceptionIllegalDataAddr), resp[1])
}

func TestWriteMultipleRegisters(t *testing.T) {
	sch := mustSchema(t, []schema.RegisterConfig{
		{Name: "sp1", Address: 0, Type: "U16", Scale: 1, Role: "writable", VariableName: "sp1"},
		{Name: "sp2", Address: 1, Type: "U16", Scale: 1, Role: "writable", VariableName: "sp2"},
	})
	ep, b := newEndpoint(t, sch)
	conn := dial(t, ep)

	pdu := []byte{functionWriteMultiRegs, 0, 0, 0, 2, 4, 0, 11, 0, 22}
	resp := roundTrip(t, conn, pdu)

	require.Len(t, resp, 5)
	assert.Equal(t, byte(functionWriteMultiRegs), resp[0])

	v1, _ := b.GetScaled("sp1")
	v2, _ := b.GetScaled("sp2")
	assert.Equal(t, 11.0, v1)
	assert.Equal(t, 22.0, v2)
}

func TestUnsupportedFunctionCode(t *testing.T) {
	sch := mustSchema(t, []schema.RegisterConfig{
		{Name: "a", Address: 0, Type: "U16", Scale: 1, BaseValue: 0},
	})
	ep, _ := newEndpoint(t, sch)
	conn := dial(t, ep)

	pdu := []byte{0x04, 0, 0, 0, 1}
	resp := roundTrip(t, conn, pdu)

	require.Len(t, resp, 2)
	assert.Equal(t, byte(0x04|0x80), resp[0])
	assert.Equal(t, byte(exceptionIllegalFunction), resp[1])
}
