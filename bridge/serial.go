package bridge

import (
	"context"
	"fmt"
	"log"
	"net"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const DefaultBaudRate = 115200

// ListPorts returns the USB serial ports present.
func ListPorts() (ports []*enumerator.PortDetails, err error) {
	var all []*enumerator.PortDetails
	all, err = enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("bridge: serial: list ports: %w", err)
	}

	for _, port := range all {
		if !port.IsUSB {
			continue
		}
		ports = append(ports, port)
	}
	return
}

func openSerial(portName string, baud int) (f serial.Port, err error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	f, err = serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: serial: open %s: %w", portName, err)
	}

	if err = f.SetDTR(true); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bridge: serial: failed to set DTR: %w", err)
	}
	return
}

// ServeSerial proxies the serial port to a connection to target until either
// side closes or ctx is done.
func ServeSerial(ctx context.Context, portName string, baud int, target string) error {
	f, err := openSerial(portName, baud)
	if err != nil {
		return err
	}

	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("bridge: serial: dial %s: %w", target, err)
	}
	log.Printf("bridge: serial: %s: connected to %s\n", portName, target)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = f.Close()
			_ = tcp.Close()
		case <-done:
		}
	}()

	err = Pipe(&serialPort{f}, tcp)
	log.Printf("bridge: serial: %s: closed\n", portName)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("bridge: serial: %w", err)
	}
	return nil
}

// serialPort clears DTR before closing.
type serialPort struct {
	serial.Port
}

func (p *serialPort) Close() error {
	_ = p.Port.SetDTR(false)
	return p.Port.Close()
}
