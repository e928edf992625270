package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	ASTM E1381 transport state machine, receiver role.
 *
 * Description:	The protocol has three phases that concern us:
 *
 *		  Establishment - the instrument sends ENQ, we answer
 *			ACK and get ready for frames.
 *		  Transfer - STX-framed records arrive, each answered
 *			with ACK or NAK.  Records accumulate into an
 *			H-to-L message.
 *		  Termination - after the terminator record the
 *			instrument sends EOT and we return to idle.
 *
 *		This is a pure state machine.  Inputs are decoded
 *		frames, single control bytes, timer expiries, and peer
 *		close.  Outputs are bytes to send, timers to arm or
 *		cancel, messages to dispatch, and a close request.  The
 *		session runner does all the I/O; nothing here blocks,
 *		so the whole protocol is testable without a socket.
 *
 *		Frame numbers: the first frame of a transfer carries 1
 *		and they advance modulo 8, so the cycle runs
 *		1 2 3 4 5 6 7 0 1 ...  A frame numbered one behind the
 *		expected one is a retransmit whose ACK got lost; it is
 *		ACKed again but not appended again.
 *
 *---------------------------------------------------------------*/

import (
	"bytes"
	"io"

	"github.com/charmbracelet/log"
)

// Phase of the transport state machine.
type Phase int

const (
	Idle Phase = iota
	EstablishmentPending // sender role only: ENQ sent, awaiting reply
	Transfer
	Termination
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case EstablishmentPending:
		return "EstablishmentPending"
	case Transfer:
		return "Transfer"
	case Termination:
		return "Termination"
	}
	return "?"
}

// TimerID names the per-session timers.
type TimerID int

const (
	TimerResponse TimerID = iota // T1, reply wanted from peer
	TimerReceive                 // T2, max idle gap mid-message
	TimerRetry                   // T3, backoff before a retransmission
)

func (t TimerID) String() string {
	switch t {
	case TimerResponse:
		return "T1"
	case TimerReceive:
		return "T2"
	case TimerRetry:
		return "T3"
	}
	return "?"
}

// Out is everything a state machine step asks the session runner to
// do.  Zero value means "nothing".
type Out struct {
	Send     []byte
	Arm      []TimerID
	Cancel   []TimerID
	Dispatch []*Message
	Close    bool
}

func (o *Out) send(b ...byte) { o.Send = append(o.Send, b...) }
func (o *Out) arm(t TimerID)  { o.Arm = append(o.Arm, t) }
func (o *Out) stop(t TimerID) { o.Cancel = append(o.Cancel, t) }

// Receiver drives the receiver role of the transport protocol for one
// session.  Not safe for concurrent use; the owning session runner is
// the only caller.
type Receiver struct {
	phase      Phase
	expectedFN int
	recordBuf  []byte // partial record across ETB continuations
	msg        *Message
	delims     Delimiters
	nakCount   int

	logger *log.Logger
}

// NewReceiver returns a Receiver in the Idle phase.  logger may be nil.
func NewReceiver(logger *log.Logger) *Receiver {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Receiver{
		phase:  Idle,
		delims: DefaultDelimiters,
		logger: logger,
	}
}

func (rx *Receiver) Phase() Phase     { return rx.phase }
func (rx *Receiver) ExpectedFN() int  { return rx.expectedFN }
func (rx *Receiver) InProgress() bool { return rx.msg != nil || len(rx.recordBuf) > 0 }

// reset discards all in-progress transfer state.
func (rx *Receiver) reset() {
	rx.expectedFN = 1
	rx.recordBuf = nil
	rx.msg = nil
	rx.delims = DefaultDelimiters
	rx.nakCount = 0
}

/*-------------------------------------------------------------------
 *
 * Name:	OnControl
 *
 * Purpose:	Feed one bare control byte (not part of a frame).
 *
 * Description:	Idle: ENQ opens a transfer; EOT is legal noise and is
 *		ignored; anything else draws NAK.
 *
 *		Transfer/Termination: EOT ends the phase, discarding
 *		any half-received message (the peer aborted).  A
 *		repeated ENQ before any frame was accepted means our
 *		ACK got lost, so ACK again.
 *
 *--------------------------------------------------------------------*/

func (rx *Receiver) OnControl(b byte) Out {
	var out Out

	switch rx.phase {
	case Idle:
		switch b {
		case ENQ:
			rx.reset()
			rx.phase = Transfer
			out.send(ACK)
			out.arm(TimerReceive)
		case EOT:
			// Unsolicited EOT resets nothing and offends nobody.
		default:
			out.send(NAK)
		}

	case Transfer, Termination:
		switch b {
		case EOT:
			if rx.InProgress() {
				rx.logger.Warn("peer aborted mid-message", "records", rx.recordCount())
			}
			rx.reset()
			rx.phase = Idle
			out.stop(TimerReceive)
		case ENQ:
			if rx.phase == Transfer && rx.expectedFN == 1 && !rx.InProgress() {
				// Our establishment ACK got lost; answer again.
				out.send(ACK)
				out.arm(TimerReceive)
			} else {
				out.send(NAK)
			}
		case ACK, NAK:
			// Not meaningful to the receiver role.  Seen from
			// instruments that mirror our own replies; ignore.
			rx.logger.Debug("ignoring control byte in transfer", "byte", b)
		default:
			out = rx.refuse(out)
		}

	case EstablishmentPending:
		// Receiver role never enters this phase.
	}

	return out
}

/*-------------------------------------------------------------------
 *
 * Name:	OnFrame
 *
 * Purpose:	Feed one codec verdict: a decoded frame or a framing
 *		error.
 *
 * Description:	Good frame with the expected number: append, ACK,
 *		advance.  Good frame numbered one behind: duplicate of
 *		something already ACKed, so ACK without appending.
 *		Anything else: NAK without touching state.  Six NAKs in
 *		a row for the same expected frame abort the session.
 *
 *--------------------------------------------------------------------*/

func (rx *Receiver) OnFrame(status DecodeStatus, f Frame) Out {
	var out Out

	if rx.phase != Transfer && rx.phase != Termination {
		// Frames outside an established session.  The peer skipped
		// establishment; refuse.
		out.send(NAK)
		return out
	}

	if status != FrameOk {
		rx.logger.Debug("refusing frame", "status", status)
		return rx.refuse(out)
	}

	switch {
	case f.FN == rx.expectedFN:
		if f.Terminal && !endsWithCR(rx.recordBuf, f.Data) {
			// A terminal frame must complete a CR-terminated
			// record.  Refuse so the instrument retransmits.
			rx.logger.Warn("terminal frame without CR", "fn", f.FN)
			return rx.refuse(out)
		}

		rx.recordBuf = append(rx.recordBuf, f.Data...)
		if f.Terminal {
			var line = rx.recordBuf[:len(rx.recordBuf)-1] // strip CR
			rx.acceptRecord(line, &out)
			rx.recordBuf = nil
		}

		rx.expectedFN = (rx.expectedFN + 1) % frameModulo
		rx.nakCount = 0
		out.send(ACK)
		out.arm(TimerReceive)

	case f.FN == (rx.expectedFN+frameModulo-1)%frameModulo:
		// Retransmit of a frame we already ACKed.
		rx.logger.Debug("duplicate frame", "fn", f.FN)
		rx.nakCount = 0
		out.send(ACK)
		out.arm(TimerReceive)

	default:
		rx.logger.Warn("frame number out of step", "fn", f.FN, "expected", rx.expectedFN)
		return rx.refuse(out)
	}

	return out
}

// refuse sends NAK, or aborts the whole session once the same frame
// has been refused MaxConsecutiveNAKs times.
func (rx *Receiver) refuse(out Out) Out {
	rx.nakCount++
	if rx.nakCount >= MaxConsecutiveNAKs {
		rx.logger.Warn("too many consecutive NAKs, aborting session")
		rx.reset()
		rx.phase = Idle
		out.send(EOT)
		out.stop(TimerReceive)
		out.Close = true
		return out
	}
	out.send(NAK)
	out.arm(TimerReceive)
	return out
}

/*-------------------------------------------------------------------
 *
 * Name:	OnTimer
 *
 * Purpose:	Feed a timer expiry.
 *
 * Description:	T2 is the only timer the receiver arms.  Expiry mid
 *		message means the instrument went quiet; whatever was
 *		accumulated is garbage.  Drop it and go back to idle
 *		without closing - the peer may still ENQ again on the
 *		same connection.
 *
 *--------------------------------------------------------------------*/

func (rx *Receiver) OnTimer(t TimerID) Out {
	var out Out

	if t != TimerReceive {
		return out
	}

	if rx.phase == Transfer || rx.phase == Termination {
		if rx.InProgress() {
			rx.logger.Warn("receive timer expired mid-message, discarding")
		}
		rx.reset()
		rx.phase = Idle
	}

	return out
}

// OnPeerClose reacts to the connection going away.
func (rx *Receiver) OnPeerClose() Out {
	if rx.InProgress() {
		rx.logger.Warn("peer disconnected mid-message, discarding")
	}
	rx.reset()
	rx.phase = Idle
	return Out{Close: true, Cancel: []TimerID{TimerReceive}}
}

/*-------------------------------------------------------------------
 *
 * Name:	acceptRecord
 *
 * Purpose:	Feed one complete record line into message assembly.
 *
 * Description:	H starts a message (and declares the delimiters for the
 *		rest of it).  L finalizes and dispatches.  Records
 *		outside an H..L run have nowhere to go and are dropped
 *		with a warning.
 *
 *--------------------------------------------------------------------*/

func (rx *Receiver) acceptRecord(line []byte, out *Out) {
	var typeCode byte
	if len(line) > 0 {
		typeCode = line[0]
	}

	if typeCode == 'H' || typeCode == 'h' {
		if rx.msg != nil {
			rx.logger.Warn("new header before terminator, discarding previous records",
				"records", len(rx.msg.Records))
		}
		var d, err = ParseDelimiters(line)
		if err != nil {
			rx.logger.Warn("bad delimiter declaration, using defaults", "err", err)
		}
		rx.delims = d
		rx.msg = &Message{Delimiters: d}
		rx.phase = Transfer
	}

	if rx.msg == nil {
		rx.logger.Warn("record outside message, dropping", "line", string(line))
		return
	}

	rx.msg.Records = append(rx.msg.Records, ParseRecord(line, rx.delims))

	if typeCode == 'L' || typeCode == 'l' {
		out.Dispatch = append(out.Dispatch, rx.msg)
		rx.msg = nil
		rx.delims = DefaultDelimiters
		rx.phase = Termination
	}
}

func (rx *Receiver) recordCount() int {
	if rx.msg == nil {
		return 0
	}
	return len(rx.msg.Records)
}

// endsWithCR reports whether the record assembled from the buffered
// prefix plus this frame's data ends with CR.
func endsWithCR(prefix, data []byte) bool {
	if len(data) > 0 {
		return data[len(data)-1] == CR
	}
	return bytes.HasSuffix(prefix, []byte{CR})
}
