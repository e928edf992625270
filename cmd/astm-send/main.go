package main

/*------------------------------------------------------------------
 *
 * Purpose:   	Companion sender: read a plain-text ASTM message and
 *		transmit it to a receiver, playing the instrument side
 *		of the protocol.
 *
 * Usage:	astm-send --url host:port --input message.txt
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	astm "github.com/micabe/astm/src"
)

func main() {
	os.Exit(run())
}

func run() int {
	var target = pflag.StringP("url", "u", "", "Receiver to transmit to, host:port or a URL whose host is used")
	var input = pflag.StringP("input", "i", "", "Plain-text ASTM message, one record per line")
	var verbose = pflag.BoolP("verbose", "v", false, "Verbose.  Log the protocol chatter.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - transmit an ASTM message to a receiver.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	var logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "astm",
	})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if *target == "" || *input == "" {
		pflag.Usage()
		return 2
	}

	var text, readErr = os.ReadFile(*input)
	if readErr != nil {
		logger.Error("cannot read message", "err", readErr)
		return 2
	}

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg = astm.DefaultConfig()

	if err := astm.SendToURL(ctx, *target, text, cfg, logger); err != nil {
		logger.Error("transfer failed", "err", err)
		return 1
	}

	logger.Info("transfer complete")
	return 0
}
