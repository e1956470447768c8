// rexctl talks to a running rex server from the command line.
package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"rex/bridge"
	"rex/iovm1"
	"rex/protocol"
	"rex/rexclient"
)

var (
	addr    string
	wsURL   string
	timeout time.Duration
	raw     bool
)

type command struct {
	usage string
	// offline commands don't connect to the server
	offline bool
	run     func(ctx context.Context, c *rexclient.Client, args []string) error
}

var commands = map[string]command{
	"state": {usage: "state", run: cmdState},
	"stop":  {usage: "stop", run: func(ctx context.Context, c *rexclient.Client, _ []string) error { return c.Stop(ctx) }},
	"reset": {usage: "reset", run: func(ctx context.Context, c *rexclient.Client, _ []string) error { return c.Reset(ctx) }},
	"read":  {usage: "read <target> <addr> <len>", run: cmdRead},
	"write": {usage: "write <target> <addr> <hex bytes>", run: cmdWrite},
	"wait":  {usage: "wait <target> <addr> <neq|eq|lt|gt|lte|gte> <cmp> [msk] [timeout steps]", run: cmdWait},
	"load":  {usage: "load <program file>", run: cmdLoad},
	"vram":  {usage: "vram <addr> <file>", run: cmdUpload(protocol.CmdPPUXVRAMUpload)},
	"cgram": {usage: "cgram <addr> <file>", run: cmdUpload(protocol.CmdPPUXCGRAMUpload)},
	"ppux":  {usage: "ppux <command list file, u32 LE words>", run: cmdPPUX},

	"health":  {usage: "health <addr> [service]", offline: true, run: cmdHealth},
	"ports":   {usage: "ports", offline: true, run: cmdPorts},
	"capture": {usage: "capture <file>", offline: true, run: cmdCapture},
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: rexctl [flags] <command> [args]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(flag.CommandLine.Output(), "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(flag.CommandLine.Output(), "\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	log.SetFlags(0)
	log.SetOutput(io.Discard)

	flag.StringVar(&addr, "addr", net.JoinHostPort("127.0.0.1", strconv.Itoa(protocol.DefaultPort)), "rex server address")
	flag.StringVar(&wsURL, "ws", "", "connect through a WebSocket bridge instead, e.g. ws://127.0.0.1:11265/rex")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "overall timeout")
	flag.BoolVar(&raw, "raw", false, "write read data to stdout as raw bytes")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "rexctl: unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, cmd, flag.Args()[1:]); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "usage: rexctl %s\n", cmd.usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "rexctl: %v\n", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, cmd command, args []string) error {
	if cmd.offline {
		return cmd.run(ctx, nil, args)
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return cmd.run(ctx, c, args)
}

func connect(ctx context.Context) (*rexclient.Client, error) {
	if wsURL == "" {
		return rexclient.Dial(ctx, addr)
	}
	conn, err := bridge.DialWebSocket(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return rexclient.NewClient("rexctl", conn), nil
}

type usageError struct{}

func (usageError) Error() string { return "usage" }

func wantArgs(args []string, min, max int) error {
	if len(args) < min || len(args) > max {
		return usageError{}
	}
	return nil
}

// parseUint accepts decimal, 0x hex and $ hex.
func parseUint(s string, bits int) (uint64, error) {
	if strings.HasPrefix(s, "$") {
		return strconv.ParseUint(s[1:], 16, bits)
	}
	return strconv.ParseUint(s, 0, bits)
}

func parseHexBytes(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", ",", "").Replace(s)
	return hex.DecodeString(s)
}

var waitOps = map[string]iovm1.Opcode{
	"neq": iovm1.OpcodeWaitWhileNeq,
	"eq":  iovm1.OpcodeWaitWhileEq,
	"lt":  iovm1.OpcodeWaitWhileLt,
	"gt":  iovm1.OpcodeWaitWhileGt,
	"lte": iovm1.OpcodeWaitWhileLte,
	"gte": iovm1.OpcodeWaitWhileGte,
}

// words reads a command list file as little-endian u32 words.
func words(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("command list is %d bytes, not a multiple of 4", len(b))
	}
	w := make([]uint32, len(b)/4)
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return w, nil
}
