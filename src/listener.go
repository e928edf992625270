package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	Accept instrument connections and run a session per
 *		connection.
 *
 * Description:	Plain TCP, no TLS; analyzers still live in the nineties
 *		and so does their transport.  Each accepted connection
 *		gets its own session goroutine.  A semaphore bounds how
 *		many run at once; when full, a new connection is
 *		accepted and closed at once rather than queued.
 *
 *		Shutdown: close the listener, give live sessions a
 *		grace period to finish their transfer, then cut them
 *		off.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type Gateway struct {
	cfg     *Config
	disp    *Dispatcher
	logger  *log.Logger
	metrics *Metrics

	ready chan net.Addr
}

func NewGateway(cfg *Config, disp *Dispatcher, logger *log.Logger, metrics *Metrics) *Gateway {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Gateway{cfg: cfg, disp: disp, logger: logger, metrics: metrics,
		ready: make(chan net.Addr, 1)}
}

// Ready delivers the bound address once the listener is up.  Lets a
// caller that asked for port 0 learn what it actually got.
func (g *Gateway) Ready() <-chan net.Addr { return g.ready }

/*-------------------------------------------------------------------
 *
 * Name:	Run
 *
 * Purpose:	Bind, announce, accept, and serve until ctx ends.
 *
 * Returns:	nil on clean shutdown; the bind error if the port
 *		cannot be opened (the command turns that into a
 *		non-zero exit).
 *
 *--------------------------------------------------------------------*/

func (g *Gateway) Run(ctx context.Context) error {
	var addr = fmt.Sprintf("%s:%d", g.cfg.Listen, g.cfg.Port)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	g.logger.Info("listening for instruments", "addr", listener.Addr())
	g.ready <- listener.Addr()

	if !g.cfg.NoAnnounce {
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			announceService(tcpAddr.Port, g.logger)
		}
	}

	if g.cfg.MetricsPort > 0 {
		go func() {
			var metricsErr = g.metrics.Serve(g.cfg.MetricsPort)
			if metricsErr != nil {
				g.logger.Error("metrics server", "err", metricsErr)
			}
		}()
	}

	// sessionCtx outlives ctx by the grace period so transfers in
	// flight can finish.
	var sessionCtx, cancelSessions = context.WithCancel(context.Background())
	defer cancelSessions()

	var wg sync.WaitGroup
	var slots = make(chan struct{}, g.cfg.MaxSessions)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if g.cfg.Serial != "" {
		var serialErr = g.serveSerial(sessionCtx, &wg)
		if serialErr != nil {
			listener.Close()
			return serialErr
		}
	}

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				break // shutting down
			}
			if errors.Is(acceptErr, net.ErrClosed) {
				break
			}
			g.logger.Warn("accept failed", "err", acceptErr)
			continue
		}

		select {
		case slots <- struct{}{}:
		default:
			g.logger.Warn("session limit reached, refusing connection",
				"peer", conn.RemoteAddr(), "limit", g.cfg.MaxSessions)
			conn.Close()
			continue
		}

		g.metrics.SessionsTotal.Inc()
		g.metrics.SessionsActive.Inc()

		var session = NewSession(conn, g.cfg, g.disp, g.logger.With("peer", conn.RemoteAddr().String()), g.metrics)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			defer g.metrics.SessionsActive.Dec()
			session.Run(sessionCtx)
		}()
	}

	return g.drain(&wg, cancelSessions)
}

// drain waits for live sessions up to the grace period, then cancels
// the stragglers.
func (g *Gateway) drain(wg *sync.WaitGroup, cancelSessions context.CancelFunc) error {
	var idle = make(chan struct{})
	go func() {
		wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		g.logger.Info("all sessions drained")
	case <-time.After(time.Duration(g.cfg.Grace) * time.Second):
		g.logger.Warn("grace period over, closing remaining sessions")
		cancelSessions()
		<-idle
	}

	return nil
}

// serveSerial attaches one receiver session to a serial port, for
// instruments wired the classic RS-232 way.  The session runs once:
// when the port read fails the session ends and is not restarted.
func (g *Gateway) serveSerial(ctx context.Context, wg *sync.WaitGroup) error {
	var port, err = OpenSerial(g.cfg.Serial, g.cfg.SerialSpeed)
	if err != nil {
		return err
	}

	g.logger.Info("serial port attached", "device", g.cfg.Serial, "speed", g.cfg.SerialSpeed)

	g.metrics.SessionsTotal.Inc()
	g.metrics.SessionsActive.Inc()

	var session = NewSession(port, g.cfg, g.disp, g.logger.With("serial", g.cfg.Serial), g.metrics)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer g.metrics.SessionsActive.Dec()
		session.Run(ctx)
	}()

	return nil
}
