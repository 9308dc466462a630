// Package modbus serves the register mapping table to Modbus/TCP masters and
// probes the listener with a loopback client.
package modbus

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/rs/zerolog"
	mbserver "github.com/simonvetter/modbus"
)

// RegisterTable is the register space served to masters.
type RegisterTable interface {
	ReadRange(offset, count int) ([]uint16, error)
	WriteOne(ref int, b1, b2 byte) (bool, error)
	WriteRange(offset int, values []uint16) error
}

// HandlerStats tracks request statistics.
type HandlerStats struct {
	Reads      atomic.Uint64
	Writes     atomic.Uint64
	Exceptions atomic.Uint64
	Panics     atomic.Uint64
}

// Handler implements the simonvetter/modbus RequestHandler on top of a RegisterTable.
// Holding and input registers share one address space.
type Handler struct {
	table   RegisterTable
	unitID  uint8
	logger  zerolog.Logger
	metrics *metrics.Registry
	stats   HandlerStats
}

// NewHandler creates a request handler answering only unitID.
func NewHandler(table RegisterTable, unitID uint8, logger zerolog.Logger, metricsReg *metrics.Registry) *Handler {
	return &Handler{
		table:   table,
		unitID:  unitID,
		logger:  logger.With().Str("component", "modbus-handler").Logger(),
		metrics: metricsReg,
	}
}

// HandleCoils rejects coil access; the bridge exposes registers only.
func (h *Handler) HandleCoils(req *mbserver.CoilsRequest) ([]bool, error) {
	fn := "read_coils"
	if req.IsWrite {
		fn = "write_coils"
	}
	return nil, h.reject(fn, req.UnitId)
}

// HandleDiscreteInputs rejects discrete input access.
func (h *Handler) HandleDiscreteInputs(req *mbserver.DiscreteInputsRequest) ([]bool, error) {
	return nil, h.reject("read_discrete_inputs", req.UnitId)
}

// HandleHoldingRegisters serves FC3, FC6 and FC16.
func (h *Handler) HandleHoldingRegisters(req *mbserver.HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		args := req.Args
		return h.serve("write_holding_registers", req.UnitId, len(args), func() ([]uint16, error) {
			h.stats.Writes.Add(1)
			return nil, h.write(int(req.Addr), args)
		})
	}
	return h.serve("read_holding_registers", req.UnitId, int(req.Quantity), func() ([]uint16, error) {
		h.stats.Reads.Add(1)
		return h.table.ReadRange(int(req.Addr), int(req.Quantity))
	})
}

// HandleInputRegisters serves FC4 from the same register space as FC3.
func (h *Handler) HandleInputRegisters(req *mbserver.InputRegistersRequest) ([]uint16, error) {
	return h.serve("read_input_registers", req.UnitId, int(req.Quantity), func() ([]uint16, error) {
		h.stats.Reads.Add(1)
		return h.table.ReadRange(int(req.Addr), int(req.Quantity))
	})
}

func (h *Handler) write(addr int, values []uint16) error {
	switch len(values) {
	case 0:
		return fmt.Errorf("%w: empty write at %d", domain.ErrInvalidRegisterSpan, addr)
	case 1:
		_, err := h.table.WriteOne(addr, byte(values[0]>>8), byte(values[0]))
		return err
	default:
		return h.table.WriteRange(addr, values)
	}
}

// serve runs op for the configured unit and translates its outcome into a
// Modbus response. A panic inside op is answered with a device failure.
func (h *Handler) serve(fn string, unitID uint8, registers int, op func() ([]uint16, error)) (res []uint16, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			h.stats.Panics.Add(1)
			h.logger.Error().Interface("panic", r).Str("function", fn).Msg("Recovered from panic in request handler")
			res, err = nil, mbserver.ErrServerDeviceFailure
			h.recordException(err)
		}
		if h.metrics != nil {
			h.metrics.RecordRequest(fn, err == nil, time.Since(start).Seconds(), registers)
		}
	}()

	if unitID != h.unitID {
		return nil, h.fail(fn, fmt.Errorf("%w: %d", domain.ErrUnitIDMismatch, unitID))
	}

	res, err = op()
	if err != nil {
		return nil, h.fail(fn, err)
	}
	return res, nil
}

func (h *Handler) reject(fn string, unitID uint8) error {
	if unitID != h.unitID {
		return h.fail(fn, fmt.Errorf("%w: %d", domain.ErrUnitIDMismatch, unitID))
	}
	return h.fail(fn, fmt.Errorf("%w: %s", domain.ErrIllegalFunction, fn))
}

// fail logs err and returns the Modbus exception for it.
func (h *Handler) fail(fn string, err error) error {
	exception := ExceptionFor(err)
	if exception == mbserver.ErrServerDeviceFailure {
		h.logger.Warn().Err(err).Str("function", fn).Msg("Request failed")
	} else {
		h.logger.Debug().Err(err).Str("function", fn).Msg("Request rejected")
	}
	h.recordException(exception)
	return exception
}

func (h *Handler) recordException(exception error) {
	h.stats.Exceptions.Add(1)
	if h.metrics != nil {
		h.metrics.RecordException(exceptionName(exception))
	}
}

// ExceptionFor maps a bridge error to the Modbus exception returned to the master.
func ExceptionFor(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUnitIDMismatch):
		return mbserver.ErrGWTargetFailedToRespond
	case errors.Is(err, domain.ErrIllegalFunction):
		return mbserver.ErrIllegalFunction
	case errors.Is(err, domain.ErrIllegalAddress),
		errors.Is(err, domain.ErrChannelNotWritable),
		errors.Is(err, domain.ErrInvalidRegisterSpan):
		return mbserver.ErrIllegalDataAddress
	default:
		return mbserver.ErrServerDeviceFailure
	}
}

func exceptionName(err error) string {
	switch err {
	case mbserver.ErrIllegalFunction:
		return "illegal_function"
	case mbserver.ErrIllegalDataAddress:
		return "illegal_data_address"
	case mbserver.ErrGWTargetFailedToRespond:
		return "gateway_target_failed"
	default:
		return "server_device_failure"
	}
}

// Stats returns handler statistics.
func (h *Handler) Stats() map[string]uint64 {
	return map[string]uint64{
		"reads":      h.stats.Reads.Load(),
		"writes":     h.stats.Writes.Load(),
		"exceptions": h.stats.Exceptions.Load(),
		"panics":     h.stats.Panics.Load(),
	}
}
