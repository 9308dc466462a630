package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mbclient "github.com/goburrow/modbus"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// ProbeConfig holds configuration for the loopback probe.
type ProbeConfig struct {
	// Address is host:port of the listener; wildcard hosts are probed on loopback
	Address string

	// UnitID is the unit id the listener answers
	UnitID uint8

	// Timeout bounds connect plus request
	Timeout time.Duration

	// Register is the holding register read by the probe
	Register uint16
}

// Probe checks a listener end to end with a Modbus master.
type Probe struct {
	config ProbeConfig
}

// NewProbe creates a loopback probe.
func NewProbe(config ProbeConfig) *Probe {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	config.Address = loopbackAddress(config.Address)
	return &Probe{config: config}
}

// Check reads one holding register. Any well-formed response, exceptions
// included, proves the listener is serving.
func (p *Probe) Check(ctx context.Context) error {
	handler := mbclient.NewTCPClientHandler(p.config.Address)
	handler.Timeout = p.config.Timeout
	handler.SlaveId = p.config.UnitID

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < handler.Timeout {
			handler.Timeout = remaining
		}
	}

	done := make(chan error, 1)
	go func() {
		if err := handler.Connect(); err != nil {
			done <- err
			return
		}
		defer handler.Close()
		_, err := mbclient.NewClient(handler).ReadHoldingRegisters(p.config.Register, 1)
		done <- err
	}()

	select {
	case err := <-done:
		var mbErr *mbclient.ModbusError
		if err == nil || errors.As(err, &mbErr) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrProbeFailed, p.config.Address, err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", domain.ErrProbeFailed, p.config.Address, ctx.Err())
	}
}

func loopbackAddress(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return address
	}
	return net.JoinHostPort(host, port)
}
