package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	Transmit one plain-text ASTM message to a receiver,
 *		acting as the instrument side of the protocol.
 *
 * Description:	The companion to the receiver gateway, mostly used for
 *		bench testing it.  Reads a message (one record per
 *		line), dials the receiver, and drives the sender role
 *		of the state machine through the same session runner
 *		the receiver uses.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/rs/xid"
)

// Send transmits the message text over conn, blocking until the
// transfer succeeds, fails, or ctx is canceled.
func Send(ctx context.Context, conn net.Conn, text []byte, cfg *Config, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var tx, err = NewSender(text, cfg.FramePayload, logger)
	if err != nil {
		return err
	}

	var s = &Session{
		ID:      xid.New().String(),
		conn:    conn,
		fsm:     tx,
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(),
		timers:  newTimerSet(),
	}

	if s.apply(tx.Start()) {
		return tx.Err()
	}
	s.Run(ctx)

	return tx.Err()
}

// SendToURL dials the host and port named by rawURL and transmits the
// message there.  Only the host part of the URL matters; the scheme
// and path are tolerated so the same --url value works for both
// commands.
func SendToURL(ctx context.Context, rawURL string, text []byte, cfg *Config, logger *log.Logger) error {
	var addr = dialAddr(rawURL)

	var dialer net.Dialer
	conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
	if dialErr != nil {
		return fmt.Errorf("dial %s: %w", addr, dialErr)
	}

	return Send(ctx, conn, text, cfg, logger)
}

func dialAddr(rawURL string) string {
	var host string
	var u, err = url.Parse(rawURL)
	switch {
	case err != nil:
		// A bare "ip:port" does not survive url.Parse.  Use it as is.
		host = rawURL
	case u.Host != "":
		host = u.Host
	default:
		// "host:port" parses with everything in Opaque or Path.
		host = rawURL
	}
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "4010")
	}

	return host
}
