package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"rex/bridge"
	"rex/capture"
	"rex/healthsvc"
	"rex/iovm1"
	"rex/protocol"
	"rex/rexclient"
)

func cmdState(ctx context.Context, c *rexclient.Client, args []string) error {
	if err := wantArgs(args, 0, 0); err != nil {
		return err
	}
	st, running, err := c.GetState(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("state: %s\nrunning: %v\n", st, running)
	return nil
}

func cmdRead(ctx context.Context, c *rexclient.Client, args []string) error {
	if err := wantArgs(args, 3, 3); err != nil {
		return err
	}
	t, err := iovm1.ParseTarget(args[0])
	if err != nil {
		return err
	}
	a, err := parseUint(args[1], 24)
	if err != nil {
		return err
	}
	n, err := parseUint(args[2], 32)
	if err != nil {
		return err
	}

	data, err := c.ReadMemory(ctx, t, uint32(a), int(n))
	if err != nil {
		return err
	}
	if raw {
		_, err = os.Stdout.Write(data)
		return err
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func cmdWrite(ctx context.Context, c *rexclient.Client, args []string) error {
	if err := wantArgs(args, 3, 3); err != nil {
		return err
	}
	t, err := iovm1.ParseTarget(args[0])
	if err != nil {
		return err
	}
	a, err := parseUint(args[1], 24)
	if err != nil {
		return err
	}
	data, err := parseHexBytes(args[2])
	if err != nil {
		return err
	}
	return c.WriteMemory(ctx, t, uint32(a), data)
}

func cmdWait(ctx context.Context, c *rexclient.Client, args []string) error {
	if err := wantArgs(args, 4, 6); err != nil {
		return err
	}
	t, err := iovm1.ParseTarget(args[0])
	if err != nil {
		return err
	}
	a, err := parseUint(args[1], 24)
	if err != nil {
		return err
	}
	op, ok := waitOps[args[2]]
	if !ok {
		return fmt.Errorf("unknown comparison %q", args[2])
	}
	cmp, err := parseUint(args[3], 8)
	if err != nil {
		return err
	}
	msk, tim := uint64(0xFF), uint64(0)
	if len(args) > 4 {
		if msk, err = parseUint(args[4], 8); err != nil {
			return err
		}
	}
	if len(args) > 5 {
		if tim, err = parseUint(args[5], 24); err != nil {
			return err
		}
	}

	v, err := c.WaitFor(ctx, t, uint32(a), op, uint8(cmp), uint8(msk), uint32(tim))
	if err != nil {
		return err
	}
	fmt.Printf("$%02x\n", v)
	return nil
}

func cmdLoad(ctx context.Context, c *rexclient.Client, args []string) error {
	if err := wantArgs(args, 1, 1); err != nil {
		return err
	}
	prog, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err = c.SetFlags(ctx, iovm1.FlagNotifyWriteEnd|iovm1.FlagNotifyWaitComplete); err != nil {
		return err
	}
	if err = c.Load(ctx, prog); err != nil {
		return err
	}
	if err = c.Start(ctx); err != nil {
		return err
	}
	return watch(ctx, c, os.Stdout)
}

// watch prints notifications until the program ends. A successful end is not
// notified so the state is polled as well.
func watch(ctx context.Context, c *rexclient.Client, w io.Writer) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-c.Notifications():
			if !ok {
				return c.Err()
			}
			printNotification(w, n)
			if n.Type == protocol.NotifyVMEnd {
				return iovm1.Result(n.Result).Err()
			}
		case <-tick.C:
			st, _, err := c.GetState(ctx)
			if err != nil {
				return err
			}
			if st == iovm1.StateEnded {
				return nil
			}
		}
	}
}

func printNotification(w io.Writer, n protocol.Notification) {
	switch n.Type {
	case protocol.NotifyRead, protocol.NotifyWriteStart:
		fmt.Fprintf(w, "%s pc=%d %s $%06x len=%d\n", n.Type, n.PC, iovm1.Target(n.Target), n.Addr, n.Len)
		if len(n.Data) > 0 {
			fmt.Fprint(w, hex.Dump(n.Data))
		}
	case protocol.NotifyWaitComplete:
		fmt.Fprintf(w, "%s pc=%d %s $%06x value=$%02x\n", n.Type, n.PC, iovm1.Target(n.Target), n.Addr, n.Value)
	case protocol.NotifyVMEnd:
		fmt.Fprintf(w, "%s pc=%d %s at %s\n", n.Type, n.PC, iovm1.Result(n.Result), iovm1.Opcode(n.Opcode))
	default:
		fmt.Fprintf(w, "%s\n", n.Type)
	}
}

func cmdUpload(cmd protocol.Command) func(ctx context.Context, c *rexclient.Client, args []string) error {
	return func(ctx context.Context, c *rexclient.Client, args []string) error {
		if err := wantArgs(args, 2, 2); err != nil {
			return err
		}
		a, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		if cmd == protocol.CmdPPUXCGRAMUpload {
			return c.CGRAMUpload(ctx, uint32(a), data)
		}
		return c.VRAMUpload(ctx, uint32(a), data)
	}
}

func cmdPPUX(ctx context.Context, c *rexclient.Client, args []string) error {
	if err := wantArgs(args, 1, 1); err != nil {
		return err
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	w, err := words(b)
	if err != nil {
		return err
	}
	pending, err := c.PPUXUpload(ctx, w)
	if err != nil {
		return err
	}
	if pending {
		fmt.Println("staged; waiting for more data")
	} else {
		fmt.Println("activated")
	}
	return nil
}

func cmdHealth(ctx context.Context, _ *rexclient.Client, args []string) error {
	if err := wantArgs(args, 1, 2); err != nil {
		return err
	}
	service := healthsvc.ServiceName
	if len(args) > 1 {
		service = args[1]
	}
	rsp, err := healthsvc.Check(ctx, args[0], service)
	if err != nil {
		return err
	}
	b, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(rsp)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func cmdPorts(_ context.Context, _ *rexclient.Client, args []string) error {
	if err := wantArgs(args, 0, 0); err != nil {
		return err
	}
	ports, err := bridge.ListPorts()
	if err != nil {
		return err
	}
	for _, port := range ports {
		fmt.Printf("%s\tUSB ID %s:%s\tserial %s\n", port.Name, port.VID, port.PID, port.SerialNumber)
	}
	return nil
}

func cmdCapture(_ context.Context, _ *rexclient.Client, args []string) error {
	if err := wantArgs(args, 1, 1); err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return dumpCapture(os.Stdout, f)
}

func dumpCapture(w io.Writer, r io.Reader) error {
	cr := capture.NewReader(r)
	for {
		rec, err := cr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, rec)
	}
}
