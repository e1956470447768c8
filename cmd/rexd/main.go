// rexd runs the emulated host with the rex server attached, plus whichever
// bridges and services the configuration enables.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"

	"rex/bridge"
	"rex/capture"
	"rex/config"
	"rex/healthsvc"
	"rex/host/snesemu"
	"rex/rex"
	"rex/util"
)

var (
	configPath  string
	profileMode string
	romPath     string
	shotPath    string
)

// init is called first before all other package inits so it is best to set up log here:
func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.LUTC)
}

func main() {
	flag.StringVar(&configPath, "config", os.Getenv("REX_CONFIG"), "path to rexd.toml")
	flag.StringVar(&profileMode, "profile", "", "profile mode: cpu, mem, block, mutex, trace")
	flag.StringVar(&romPath, "rom", "", "LoROM image to load (default: boot stub)")
	flag.StringVar(&shotPath, "screenshot", "", "write the last frame to this PNG file on exit")
	flag.Parse()

	defer func() {
		if err := recover(); err != nil {
			util.LogPanic(err)
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		log.Printf("rexd: %v\n", err)
		_ = util.FlushLogger()
		os.Exit(1)
	}
}

func profileOption(mode string) (func(*profile.Profile), error) {
	switch mode {
	case "cpu":
		return profile.CPUProfile, nil
	case "mem":
		return profile.MemProfile, nil
	case "block":
		return profile.BlockProfile, nil
	case "mutex":
		return profile.MutexProfile, nil
	case "trace":
		return profile.TraceProfile, nil
	default:
		return nil, fmt.Errorf("unknown profile mode %q", mode)
	}
}

func run() (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return
	}
	if romPath != "" {
		cfg.Host.ROM = romPath
	}

	if cfg.LogFile {
		var l *util.PanicSafeLogger
		var logPath string
		l, logPath, err = util.OpenLogFile("rexd", time.Now())
		if err == nil {
			log.Printf("logging to '%s'\n", logPath)
			log.SetOutput(l)
			defer l.Close()
		} else {
			log.Printf("could not open log file '%s' for writing\n", logPath)
		}
	}
	if cfg.Path != "" {
		log.Printf("rexd: loaded config from '%s'\n", cfg.Path)
	}

	if profileMode != "" {
		var mode func(*profile.Profile)
		if mode, err = profileOption(profileMode); err != nil {
			return
		}
		defer profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	var contents []byte
	if cfg.Host.ROM != "" {
		if contents, err = os.ReadFile(cfg.Host.ROM); err != nil {
			return fmt.Errorf("read ROM: %w", err)
		}
	}
	host, err := snesemu.New(contents)
	if err != nil {
		return
	}
	if cfg.Host.InstructionsPerFrame > 0 {
		host.InstructionsPerFrame = cfg.Host.InstructionsPerFrame
	}

	srv := rex.New(cfg.Rex(), host)
	if cfg.Capture.Path != "" {
		var cw *capture.Writer
		if cw, err = capture.Create(cfg.Capture.Path); err != nil {
			return
		}
		defer func() {
			log.Printf("rexd: captured %d messages to '%s'\n", cw.Count(), cfg.Capture.Path)
			if cerr := cw.Close(); cerr != nil {
				log.Printf("rexd: capture: %v\n", cerr)
			}
		}()
		srv.SetCapture(cw)
	}

	if err = srv.Start(); err != nil {
		return
	}
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var health *healthsvc.Service
	if cfg.Health.Addr != "" {
		health = healthsvc.New()
		if err = health.Listen(cfg.Health.Addr); err != nil {
			return
		}
		go func() {
			if err := health.Serve(); err != nil {
				log.Printf("rexd: %v\n", err)
			}
		}()
		defer health.Stop()
		health.SetServing(true)
	}

	if cfg.Bridge.WebSocketAddr != "" {
		var ws *bridge.WebSocketServer
		ws, err = bridge.ServeWebSocket(cfg.Bridge.WebSocketAddr, cfg.Bridge.WebSocketPath, srv.Addr())
		if err != nil {
			return
		}
		defer ws.Close()
	}

	if cfg.Bridge.SerialPort != "" {
		go func() {
			err := bridge.ServeSerial(ctx, cfg.Bridge.SerialPort, cfg.Bridge.SerialBaud, srv.Addr())
			if err != nil {
				log.Printf("rexd: %v\n", err)
			}
		}()
	}

	hk := newTimedHooks(srv)
	loop(ctx, host, hk, srv, cfg.Host.FrameInterval.Duration)

	if health != nil {
		health.SetServing(false)
	}
	hk.report(os.Stderr)
	if shotPath != "" {
		return writeScreenshot(shotPath, host)
	}
	return nil
}

func writeScreenshot(path string, host *snesemu.Host) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err = png.Encode(f, host.Image()); err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	log.Printf("rexd: wrote frame to '%s'\n", path)
	return nil
}

// loop runs frames at the given interval until ctx is done. A zero interval
// runs unthrottled.
func loop(ctx context.Context, host *snesemu.Host, hk *timedHooks, srv *rex.Server, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	lastReport := time.Now()
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		host.RunFrame(hk)

		if time.Since(lastReport) >= 10*time.Second {
			lastReport = time.Now()
			st := srv.Stats()
			log.Printf("rexd: frame %d: %d clients, %d accepted, %d closed\n", host.Frames(), st.Clients, st.Accepted, st.Closed)
		}
	}
}
