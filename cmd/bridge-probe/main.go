// Command bridge-probe is a small Modbus/TCP master for poking a running bridge.
//
//	bridge-probe -addr 127.0.0.1:502 -ref 0 -count 2
//	bridge-probe -addr 127.0.0.1:502 -op write -ref 2 -values 65535,65534
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	mbclient "github.com/goburrow/modbus"
	"github.com/spf13/cast"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:502", "bridge address host:port")
	unit := flag.Int("unit", 1, "unit id")
	op := flag.String("op", "read", "read, read-input or write")
	ref := flag.Int("ref", 0, "first register address")
	count := flag.Int("count", 1, "registers to read")
	values := flag.String("values", "", "comma separated register values for write")
	timeout := flag.Duration("timeout", 2*time.Second, "request timeout")
	flag.Parse()

	if err := probe(*addr, *unit, *op, *ref, *count, *values, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func probe(addr string, unit int, op string, ref, count int, values string, timeout time.Duration) error {
	if ref < 0 || ref > 0xFFFF {
		return fmt.Errorf("ref %d out of range", ref)
	}
	if unit < 0 || unit > 0xFF {
		return fmt.Errorf("unit %d out of range", unit)
	}

	handler := mbclient.NewTCPClientHandler(addr)
	handler.SlaveId = byte(unit)
	handler.Timeout = timeout
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer handler.Close()

	client := mbclient.NewClient(handler)

	switch op {
	case "read", "read-input":
		if count < 1 || count > 125 {
			return fmt.Errorf("count %d out of range 1..125", count)
		}
		var (
			data []byte
			err  error
		)
		if op == "read" {
			data, err = client.ReadHoldingRegisters(uint16(ref), uint16(count))
		} else {
			data, err = client.ReadInputRegisters(uint16(ref), uint16(count))
		}
		if err != nil {
			return err
		}
		printRegisters(ref, data)
		return nil

	case "write":
		regs, err := parseValues(values)
		if err != nil {
			return err
		}
		if len(regs) == 1 {
			_, err = client.WriteSingleRegister(uint16(ref), regs[0])
		} else {
			buf := make([]byte, 2*len(regs))
			for i, r := range regs {
				binary.BigEndian.PutUint16(buf[2*i:], r)
			}
			_, err = client.WriteMultipleRegisters(uint16(ref), uint16(len(regs)), buf)
		}
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d register(s) at %d\n", len(regs), ref)
		return nil

	default:
		return fmt.Errorf("unknown op %q", op)
	}
}

// parseValues accepts unsigned words and negative int16 values.
func parseValues(s string) ([]uint16, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("no values given")
	}
	parts := strings.Split(s, ",")
	regs := make([]uint16, 0, len(parts))
	for _, p := range parts {
		v, err := cast.ToIntE(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", p, err)
		}
		if v < -0x8000 || v > 0xFFFF {
			return nil, fmt.Errorf("value %d does not fit a register", v)
		}
		regs = append(regs, uint16(v))
	}
	return regs, nil
}

func printRegisters(ref int, data []byte) {
	for i := 0; i+1 < len(data); i += 2 {
		w := binary.BigEndian.Uint16(data[i:])
		fmt.Printf("%5d  0x%04X  %6d  %6d\n", ref+i/2, w, w, int16(w))
	}
}
