package main

/*------------------------------------------------------------------
 *
 * Purpose:   	The receiver gateway: terminate ASTM E1381 from
 *		analyzers over TCP (or a serial port), assemble and
 *		parse E1394 messages, and deliver them to a directory
 *		and/or a LIS HTTP endpoint.
 *
 * Usage:	astm-receive [ options ]
 *
 *		Default is to listen on 0.0.0.0:4010 and do nothing
 *		with the messages; give it --output and/or --url.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	astm "github.com/micabe/astm/src"
)

func main() {
	os.Exit(run())
}

func run() int {
	var defaults = astm.DefaultConfig()

	var listen = pflag.String("listen", defaults.Listen, "Address to bind")
	var port = pflag.IntP("port", "p", defaults.Port, "TCP port to listen on")
	var output = pflag.StringP("output", "o", "", "Directory for message dumps.  Enables the file sink.")
	var pushURL = pflag.StringP("url", "u", "", "LIS endpoint, http(s)://user:pass@host/path.  Enables the push sink.")
	var consumer = pflag.StringP("consumer", "c", defaults.Consumer, "Consumer name in the push envelope")
	var retries = pflag.IntP("retries", "r", defaults.Retries, "Push retry attempts")
	var delay = pflag.IntP("delay", "d", defaults.Delay, "Seconds between push retries")
	var verbose = pflag.BoolP("verbose", "v", false, "Verbose.  Log the protocol chatter.")
	var configPath = pflag.String("config", "", "YAML config file.  Flags win over file values.")
	var metricsPort = pflag.Int("metrics-port", 0, "Expose Prometheus metrics on this port.  0 disables.")
	var noAnnounce = pflag.Bool("no-announce", false, "Do not announce the listener over DNS-SD.")
	var serial = pflag.String("serial", "", "Also serve one instrument on this serial device, e.g. /dev/ttyS0")
	var serialSpeed = pflag.Int("serial-speed", defaults.SerialSpeed, "Serial port speed")
	var timestampFormat = pflag.StringP("timestamp-format", "T", "", "'strftime' pattern for dump file name prefixes")
	var version = pflag.Bool("version", false, "Print version and exit.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - ASTM E1381/E1394 receiver gateway.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Analyzers connect over TCP, stream framed ASTM records, and every\n")
		fmt.Fprintf(os.Stderr, "complete message is written to a directory and/or pushed to a LIS.\n")
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *version {
		fmt.Printf("astm-receive %s\n", astm.Version)
		return 0
	}

	var logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "astm",
	})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	var cfg = astm.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			logger.Error("bad config file", "err", err)
			return 2
		}
	}

	// Flags beat the file, but only the ones actually given.
	var flagValue = map[string]func(){
		"listen":           func() { cfg.Listen = *listen },
		"port":             func() { cfg.Port = *port },
		"output":           func() { cfg.Output = *output },
		"url":              func() { cfg.URL = *pushURL },
		"consumer":         func() { cfg.Consumer = *consumer },
		"retries":          func() { cfg.Retries = *retries },
		"delay":            func() { cfg.Delay = *delay },
		"verbose":          func() { cfg.Verbose = *verbose },
		"metrics-port":     func() { cfg.MetricsPort = *metricsPort },
		"no-announce":      func() { cfg.NoAnnounce = *noAnnounce },
		"serial":           func() { cfg.Serial = *serial },
		"serial-speed":     func() { cfg.SerialSpeed = *serialSpeed },
		"timestamp-format": func() { cfg.TimestampFormat = *timestampFormat },
	}
	pflag.Visit(func(f *pflag.Flag) {
		if set, ok := flagValue[f.Name]; ok {
			set()
		}
	})

	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		pflag.Usage()
		return 2
	}

	var metrics = astm.NewMetrics()

	var sinks []astm.Sink
	if cfg.Output != "" {
		var fs, err = astm.NewFileSink(cfg.Output, cfg.TimestampFormat)
		if err != nil {
			logger.Error("file sink", "err", err)
			return 2
		}
		sinks = append(sinks, fs)
	}
	if cfg.URL != "" {
		var ps, err = astm.NewPushSink(cfg.URL, cfg.Consumer, cfg.Retries,
			time.Duration(cfg.Delay)*time.Second, logger)
		if err != nil {
			logger.Error("push sink", "err", err)
			return 2
		}
		sinks = append(sinks, ps)
	}
	if len(sinks) == 0 {
		logger.Warn("no --output and no --url; messages will be received and thrown away")
	}

	var dispatcher = astm.NewDispatcher(sinks, logger, metrics)
	defer dispatcher.Close()

	var gateway = astm.NewGateway(cfg, dispatcher, logger, metrics)

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gateway.Run(ctx); err != nil {
		logger.Error("gateway", "err", err)
		return 1
	}

	logger.Info("clean shutdown")
	return 0
}
