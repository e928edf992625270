package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	Bind one connection to one transport state machine.
 *
 * Description:	The runner owns all the I/O the state machine is not
 *		allowed to do: it reads bytes off the peer, peels off
 *		bare control bytes, runs the frame decoder over the
 *		rest, feeds the results in as events, writes whatever
 *		the machine wants sent, arms and cancels its timers,
 *		and hands dispatched messages to the dispatcher.
 *
 *		Everything is session-local.  No locks; one goroutine
 *		runs the event loop, one more blocks on the socket
 *		read and passes chunks over a channel.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rs/xid"
)

// machine is the event-facing side of a transport state machine,
// receiver or sender role.
type machine interface {
	OnControl(b byte) Out
	OnFrame(status DecodeStatus, f Frame) Out
	OnTimer(t TimerID) Out
	OnPeerClose() Out
}

// Session runs one peer connection to completion.
type Session struct {
	ID string

	conn    io.ReadWriteCloser
	fsm     machine
	cfg     *Config
	disp    *Dispatcher
	logger  *log.Logger
	metrics *Metrics
	timers  timerSet

	buf []byte
}

// NewSession wires a receiver-role session.  disp and metrics may be
// shared across sessions; everything else is private.
func NewSession(conn io.ReadWriteCloser, cfg *Config, disp *Dispatcher, logger *log.Logger, metrics *Metrics) *Session {
	var id = xid.New().String()

	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("session", id)

	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Session{
		ID:      id,
		conn:    conn,
		fsm:     NewReceiver(logger),
		cfg:     cfg,
		disp:    disp,
		logger:  logger,
		metrics: metrics,
		timers:  newTimerSet(),
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	Run
 *
 * Purpose:	The session event loop.  Returns when the peer goes
 *		away, the machine asks to close, or ctx is canceled.
 *
 *--------------------------------------------------------------------*/

func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()
	defer s.timers.stopAll()

	var chunks = make(chan []byte, 4)
	var readErr = make(chan error, 1)
	var done = make(chan struct{})
	defer close(done)

	go func() {
		var rbuf [4096]byte
		for {
			var n, err = s.conn.Read(rbuf[:])
			if n > 0 {
				var chunk = make([]byte, n)
				copy(chunk, rbuf[:n])
				select {
				case chunks <- chunk:
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	s.logger.Info("session open")

	for {
		select {
		case chunk := <-chunks:
			s.buf = append(s.buf, chunk...)
			if s.pump() {
				return
			}

		case t := <-s.timers.expiries():
			if !s.timers.current(t) {
				continue // canceled or re-armed since it fired
			}
			s.logger.Debug("timer expired", "timer", t.id)
			if s.apply(s.fsm.OnTimer(t.id)) {
				return
			}

		case err := <-readErr:
			if err != io.EOF {
				s.logger.Warn("read error", "err", err)
			}
			s.apply(s.fsm.OnPeerClose())
			s.logger.Info("session closed")
			return

		case <-ctx.Done():
			s.logger.Info("session canceled")
			return
		}
	}
}

// pump feeds buffered bytes through the codec and into the machine
// until the codec wants more input.  Returns true when the session
// should end.
func (s *Session) pump() bool {
	for len(s.buf) > 0 {
		// Bare control bytes live outside frames.
		switch s.buf[0] {
		case ENQ, ACK, NAK, EOT:
			var b = s.buf[0]
			s.buf = s.buf[1:]
			if s.apply(s.fsm.OnControl(b)) {
				return true
			}
			continue
		}

		var status, frame, consumed = DecodeFrame(s.buf)
		if status == NeedMore {
			return false
		}
		if status == FrameOk {
			s.metrics.FramesDecoded.Inc()
			s.logger.Debug("frame in", "fn", frame.FN, "terminal", frame.Terminal,
				"data", fmt.Sprintf("% X", frame.Data))
		}
		s.buf = s.buf[consumed:]
		if s.apply(s.fsm.OnFrame(status, frame)) {
			return true
		}
	}
	return false
}

// apply performs one Out: write, timers, dispatch.  Returns true when
// the machine asked to close the session.
func (s *Session) apply(out Out) bool {
	if len(out.Send) > 0 {
		var _, err = s.conn.Write(out.Send)
		if err != nil {
			s.logger.Warn("write error", "err", err)
			return true
		}
		for _, b := range out.Send {
			if b == NAK {
				s.metrics.NAKsSent.Inc()
			}
		}
	}

	for _, t := range out.Cancel {
		s.timers.cancel(t)
	}
	for _, t := range out.Arm {
		s.timers.arm(t, s.cfg.TimerWindow(t))
	}

	for _, msg := range out.Dispatch {
		s.logger.Info("message complete", "records", len(msg.Records), "types", msg.Types())
		if s.disp != nil {
			s.disp.Dispatch(msg)
		}
	}

	return out.Close
}

/*-------------------------------------------------------------------
 *
 * Timer plumbing.  Each protocol timer is a time.AfterFunc that drops
 * an expiry token into a channel the event loop selects on.  A
 * generation counter per timer lets the loop tell a live expiry from
 * one that fired just before it was canceled or re-armed.  The
 * counters are only touched from the event loop, so no locking.
 *
 *--------------------------------------------------------------------*/

type timerExpiry struct {
	id  TimerID
	gen int
}

type timerSet struct {
	c      chan timerExpiry
	timers [3]*time.Timer
	gen    [3]int
}

func newTimerSet() timerSet {
	return timerSet{c: make(chan timerExpiry, 8)}
}

func (ts *timerSet) expiries() <-chan timerExpiry { return ts.c }

func (ts *timerSet) current(e timerExpiry) bool {
	return ts.gen[e.id] == e.gen
}

func (ts *timerSet) arm(t TimerID, d time.Duration) {
	ts.gen[t]++
	var g = ts.gen[t]

	if ts.timers[t] != nil {
		ts.timers[t].Stop()
	}
	ts.timers[t] = time.AfterFunc(d, func() {
		select {
		case ts.c <- timerExpiry{id: t, gen: g}:
		default:
			// Channel full means the loop is far behind; the
			// stale expiry would be discarded anyway.
		}
	})
}

func (ts *timerSet) cancel(t TimerID) {
	ts.gen[t]++
	if ts.timers[t] != nil {
		ts.timers[t].Stop()
		ts.timers[t] = nil
	}
}

func (ts *timerSet) stopAll() {
	for i := range ts.timers {
		ts.cancel(TimerID(i))
	}
}
