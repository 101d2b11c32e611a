// Package endpoint binds a Modbus/TCP listener and serves holding-register
// reads and writes against a register bank (spec §4.6). It generalizes the
// teacher's hand-rolled MBAP framing to the three function codes this
// simulator supports: 3 (read holding registers), 6 (write single
// register), and 16 (write multiple registers).
package endpoint

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-simulator/internal/regsim/bank"
)

const (
	functionReadHoldingRegs  = 0x03
	functionWriteSingleReg   = 0x06
	functionWriteMultiRegs   = 0x10
	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02

	// requestReadTimeout bounds how long a connection may sit idle before
	// it is closed (spec §5 "Timeouts").
	requestReadTimeout = 30 * time.Second
)

// Error is a ProtocolError: a malformed frame, unsupported function code,
// illegal address, or illegal value. It is returned on the wire as the
// matching Modbus exception and logged; the connection stays open.
type Error struct {
	Code byte // Modbus exception code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Endpoint serves one simulation's bank over Modbus/TCP.
type Endpoint struct {
	bank     *bank.Bank
	log      *zap.Logger
	listener net.Listener

	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	// GraceWindow bounds how long Close waits for in-flight connections to
	// finish (spec §5). Connections still open after it are not closed by
	// Close.
	GraceWindow time.Duration
}

// New builds an endpoint over bank b. It does not bind until Listen is
// called.
func New(b *bank.Bank, log *zap.Logger) *Endpoint {
	return &Endpoint{
		bank:        b,
		log:         log,
		quit:        make(chan struct{}),
		GraceWindow: 500 * time.Millisecond,
	}
}

// Listen binds address and starts accepting connections. A bind failure
// is returned to the caller as the listener's own error (the supervisor
// wraps it in a BindError); no endpoint is left running.
func (e *Endpoint) Listen(address string) error {
	l, err := net.Listen("tcp4", address)
	if err != nil {
		return err
	}
	e.listener = l
	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (e *Endpoint) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.quit:
				return
			default:
				continue
			}
		}
		e.wg.Add(1)
		go e.handleConnection(conn)
	}
}

func (e *Endpoint) handleConnection(conn net.Conn) {
	defer e.wg.Done()
	defer conn.Close()

	header := make([]byte, 7)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length == 0 {
			continue
		}
		pduLen := int(length) - 1
		if pduLen <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLen)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := e.handlePDU(pdu)
		if len(response) == 0 {
			continue
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(header); err != nil {
			return
		}
		if _, err := conn.Write(response); err != nil {
			return
		}
	}
}

func (e *Endpoint) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	switch function {
	case functionReadHoldingRegs:
		return e.readHoldingRegisters(pdu)
	case functionWriteSingleReg:
		return e.writeSingleRegister(pdu)
	case functionWriteMultiRegs:
		return e.writeMultipleRegisters(pdu)
	default:
		e.log.Warn("unsupported function code", zap.Uint8("function", function))
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (e *Endpoint) readHoldingRegisters(pdu []byte) []byte {
	const function = functionReadHoldingRegs
	if len(pdu) < 5 {
		return exceptionResponse(function, exceptionIllegalDataAddr)
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	count := binary.BigEndian.Uint16(pdu[3:5])
	if count == 0 || count > 125 {
		return exceptionResponse(function, exceptionIllegalDataAddr)
	}

	words, err := e.bank.ReadWords(int(start), int(count))
	if err != nil {
		pe := &Error{Code: exceptionIllegalDataAddr, Msg: err.Error()}
		e.log.Warn("read out of range", zap.Uint16("start", start), zap.Uint16("count", count), zap.Error(pe))
		return exceptionResponse(function, pe.Code)
	}

	data := make([]byte, len(words)*2+1)
	data[0] = byte(len(words) * 2)
	for i, w := range words {
		binary.BigEndian.PutUint16(data[1+i*2:3+i*2], w)
	}
	return append([]byte{function}, data...)
}

func (e *Endpoint) writeSingleRegister(pdu []byte) []byte {
	const function = functionWriteSingleReg
	if len(pdu) != 5 {
		return exceptionResponse(function, exceptionIllegalDataAddr)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if err := e.bank.WriteWords(int(addr), []uint16{value}); err != nil {
		pe := &Error{Code: exceptionIllegalDataAddr, Msg: err.Error()}
		e.log.Warn("write single register rejected", zap.Uint16("address", addr), zap.Error(pe))
		return exceptionResponse(function, pe.Code)
	}
	return append([]byte{function}, pdu[1:5]...)
}

func (e *Endpoint) writeMultipleRegisters(pdu []byte) []byte {
	const function = functionWriteMultiRegs
	if len(pdu) < 6 {
		return exceptionResponse(function, exceptionIllegalDataAddr)
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	count := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := pdu[5]
	if count == 0 || count > 123 || int(byteCount) != int(count)*2 || len(pdu) != 6+int(byteCount) {
		return exceptionResponse(function, exceptionIllegalDataAddr)
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(pdu[6+i*2 : 8+i*2])
	}

	if err := e.bank.WriteWords(int(start), words); err != nil {
		pe := &Error{Code: exceptionIllegalDataAddr, Msg: err.Error()}
		e.log.Warn("write multiple registers rejected", zap.Uint16("start", start), zap.Uint16("count", count), zap.Error(pe))
		return exceptionResponse(function, pe.Code)
	}
	return append([]byte{function}, pdu[1:5]...)
}

func exceptionResponse(function byte, code byte) []byte {
	if function == 0 {
		function = 0x80
	} else {
		function |= 0x80
	}
	return []byte{function, code}
}

// Close stops accepting new connections and waits up to GraceWindow for
// connection handlers to finish (spec §5 "Cancellation"). It does not close
// connections that are still open when the window ends; each of those ends
// when its client disconnects or its read deadline passes.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
		if e.listener != nil {
			e.listener.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.GraceWindow):
	}
}
