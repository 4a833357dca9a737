// Command moteino-ota uploads an Intel HEX image to a Moteino node through a
// serial gateway.
//
//	moteino-ota -f blink.hex -m 10 -s /dev/ttyUSB0 -b 115200
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/config"
	"github.com/shaunagostinho/moteino-ota/internal/events"
	"github.com/shaunagostinho/moteino-ota/internal/flash"
	"github.com/shaunagostinho/moteino-ota/internal/hexfile"
	"github.com/shaunagostinho/moteino-ota/internal/logger"
	"github.com/shaunagostinho/moteino-ota/internal/protocol"
	"github.com/shaunagostinho/moteino-ota/internal/serialport"
	"github.com/shaunagostinho/moteino-ota/internal/server"
	"github.com/shaunagostinho/moteino-ota/internal/simgw"
	"github.com/shaunagostinho/moteino-ota/internal/transcript"
	"github.com/shaunagostinho/moteino-ota/web"
)

// transport is a protocol.Transport that owns a device.
type transport interface {
	protocol.Transport
	Close() error
}

// openPort is replaced in tests.
var openPort = func(cfg serialport.Config, log logger.Logger) (transport, error) {
	return serialport.Open(cfg, log)
}

var openRetryDelay = time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	debug      bool
	hexPath    string
	target     int
	port       string
	baud       int
	help       bool
	configPath string
	retries    int
	listen     string
	mqttURL    string
	demo       bool
	demoDrop   float64
	demoStale  float64
	transcript bool
	noStrict   bool
}

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	o := &options{}
	fs := flag.NewFlagSet("moteino-ota", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&o.debug, "d", false, "Turn on debugging")
	fs.StringVar(&o.hexPath, "f", "", "HEX file to upload (default from config: flash.hex)")
	fs.IntVar(&o.target, "m", 0, "ID of target Moteino to be programmed, 1-255 (default from config: 10)")
	fs.StringVar(&o.port, "s", "", "Serial port (default from config: "+serialport.DefaultPortPath+")")
	fs.IntVar(&o.baud, "b", 0, "Baud rate of serial port (default from config: 115200)")
	fs.BoolVar(&o.help, "h", false, "Print this message")
	fs.StringVar(&o.configPath, "config", config.DefaultPath, "Path to config file")
	fs.IntVar(&o.retries, "retries", 0, "Timed-out lines tolerated per run (default from config: 2)")
	fs.StringVar(&o.listen, "listen", "", "Serve live status on this address (e.g. :8080)")
	fs.StringVar(&o.mqttURL, "mqtt", "", "Publish status to this broker (e.g. mqtt://host:1883/moteino)")
	fs.BoolVar(&o.demo, "demo", false, "Talk to a simulated gateway instead of a serial port")
	fs.Float64Var(&o.demoDrop, "demo-drop", 0, "Fraction of lines the simulated target misses (each costs a retry)")
	fs.Float64Var(&o.demoStale, "demo-stale", 0, "Fraction of lines the simulated gateway answers with a stale ack")
	fs.BoolVar(&o.transcript, "transcript", false, "Record the gateway conversation to CSV")
	fs.BoolVar(&o.noStrict, "no-strict", false, "Do not require an exact end-of-file record before sending")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: moteino-ota [flags]")
		fs.PrintDefaults()
	}
	return o, fs, fs.Parse(args)
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config, o *options, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			if o.debug {
				cfg.Logging.Level = "debug"
			}
		case "f":
			cfg.Image.Path = o.hexPath
		case "m":
			cfg.Transfer.Target = o.target
		case "s":
			cfg.Serial.PortPath = o.port
		case "b":
			cfg.Serial.BaudRate = o.baud
		case "retries":
			cfg.Transfer.Retries = o.retries
		case "listen":
			cfg.Server.ListenAddr = o.listen
		case "mqtt":
			cfg.MQTT.URL = o.mqttURL
		case "demo-drop":
			cfg.Demo.DropRate = o.demoDrop
		case "demo-stale":
			cfg.Demo.StaleRate = o.demoStale
		case "transcript":
			cfg.Transcript.Enabled = o.transcript
		case "no-strict":
			cfg.Transfer.StrictTerminal = !o.noStrict
		}
	})
}

func run(args []string, stdout, stderr io.Writer) int {
	o, fs, err := parseFlags(args, stderr)
	if err != nil {
		return 1
	}
	if o.help {
		fs.SetOutput(stdout)
		fs.Usage()
		return 0
	}

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		logger.Error("config failed", "error", err)
		return 1
	}
	applyFlags(cfg, o, fs)

	logger.SetDefault(logger.NewSlog(stderr, cfg.LogLevel(), cfg.Logging.Format))
	log := logger.With("component", "main")

	flashCfg, err := cfg.FlashConfig()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return 1
	}

	img, err := hexfile.Load(cfg.Image.Path)
	if err != nil {
		if errors.Is(err, hexfile.ErrNotFound) {
			log.Error("image file not found", "path", cfg.Image.Path)
		} else {
			log.Error("image load failed", "error", err)
		}
		return 1
	}
	log.Info("image loaded", "path", img.Path(), "lines", img.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn("interrupted, aborting transfer", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	bus := events.NewBus(events.NewBar(stdout))
	defer bus.Close()

	if cfg.Server.ListenAddr != "" {
		srv := server.New(cfg.Server.ListenAddr, web.FS, nil)
		bus.Add(srv)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Warn("status server exited", "error", err)
			}
		}()
	}
	if cfg.MQTT.URL != "" {
		sink, err := events.DialMQTT(cfg.MQTT.URL, nil)
		if err != nil {
			log.Warn("mqtt disabled", "error", err)
		} else {
			bus.Add(sink)
		}
	}

	var t transport
	if o.demo {
		log.Info("using simulated gateway", "drop_rate", cfg.Demo.DropRate, "stale_rate", cfg.Demo.StaleRate)
		t = nopCloser{simgw.New(
			simgw.WithBootChatter("Moteino gateway (simulated)"),
			simgw.WithLatency(cfg.DemoLatency()),
			simgw.WithDropRate(cfg.Demo.DropRate),
			simgw.WithStaleRate(cfg.Demo.StaleRate),
		)}
	} else {
		t, err = openWithRetry(ctx, cfg.SerialPort(), cfg.Serial.OpenAttempts)
		if err != nil {
			log.Error("serial port unavailable", "error", err)
			return 1
		}
	}
	defer t.Close()

	var wire protocol.Transport = t
	if cfg.Transcript.Enabled {
		rec := transcript.New(cfg.Transcript, nil)
		defer rec.Close()
		wire = rec.Wrap(t)
	}

	engine := protocol.NewEngine(wire, protocol.WithTiming(cfg.Timing()))
	driver := flash.New(engine, flashCfg, flash.WithProgressCallback(bus.Progress()))

	res, err := driver.Run(ctx, img)
	if err != nil {
		log.Error("upload failed", "error", err, "retries", res.Retries, "desyncs", res.Desyncs)
		return 1
	}
	log.Info("upload complete",
		"target", flashCfg.Target(),
		"lines", res.Cursor,
		"sent", res.Transmissions,
		"elapsed", res.Elapsed.Round(time.Millisecond).String(),
	)
	return 0
}

// openWithRetry opens the serial port, backing off between attempts.
// The gateway's USB device can take a moment to appear after plugging in.
func openWithRetry(ctx context.Context, cfg serialport.Config, attempts int) (transport, error) {
	if attempts < 1 {
		attempts = 1
	}
	log := logger.With("component", "serial")
	delay := openRetryDelay

	for attempt := 1; ; attempt++ {
		t, err := openPort(cfg, log)
		if err == nil {
			return t, nil
		}
		if attempt >= attempts {
			return nil, err
		}
		log.Warn("open failed", "attempt", attempt, "of", attempts, "error", err, "retry_in", delay.String())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

type nopCloser struct {
	protocol.Transport
}

func (nopCloser) Close() error { return nil }
