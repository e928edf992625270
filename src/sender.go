package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	ASTM E1381 transport state machine, sender role.
 *
 * Description:	Mirror image of the receiver: we send ENQ, wait for
 *		ACK, push out the message one frame at a time, wait
 *		for ACK after each, and finish with EOT.
 *
 *		NAK (or silence past the response timer) earns the
 *		frame a retransmission slot after the retry backoff.
 *		Six refusals of the same frame and we give up with EOT.
 *
 *		Contention: if the peer answers our ENQ with its own
 *		ENQ, both sides want to talk.  This gateway always
 *		yields to the instrument - back off for the retry
 *		window and try again.
 *
 *---------------------------------------------------------------*/

import (
	"bytes"
	"errors"
	"io"

	"github.com/charmbracelet/log"
)

var (
	ErrSendRefused = errors.New("peer refused frame too many times")
	ErrSendAborted = errors.New("peer aborted the transfer")
)

// Sender drives the sender role for one message over one connection.
type Sender struct {
	phase   Phase
	frames  [][]byte // pre-encoded wire frames, in order
	next    int      // index of the frame currently being offered
	retries int      // consecutive refusals of that frame

	done bool
	err  error

	logger *log.Logger
}

// NewSender prepares a sender for one message.  text is the plain
// message: records separated by CR (LF and CRLF tolerated, since the
// input usually comes out of a text editor).  Records longer than
// maxPayload are ETB-split.
func NewSender(text []byte, maxPayload int, logger *log.Logger) (*Sender, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var records = splitRecordText(text)
	if len(records) == 0 {
		return nil, errors.New("message has no records")
	}

	var tx = &Sender{phase: Idle, logger: logger}

	var fn = 1
	for _, rec := range records {
		// Every record is CR-terminated on the wire.
		var line = make([]byte, 0, len(rec)+1)
		line = append(line, rec...)
		line = append(line, CR)

		var frames [][]byte
		frames, fn = SplitRecord(line, fn, maxPayload)
		tx.frames = append(tx.frames, frames...)
	}

	return tx, nil
}

func (tx *Sender) Phase() Phase { return tx.phase }
func (tx *Sender) Done() bool   { return tx.done }
func (tx *Sender) Err() error   { return tx.err }

// Start opens the establishment phase.
func (tx *Sender) Start() Out {
	var out Out
	tx.phase = EstablishmentPending
	out.send(ENQ)
	out.arm(TimerResponse)
	return out
}

func (tx *Sender) OnControl(b byte) Out {
	var out Out

	switch tx.phase {
	case EstablishmentPending:
		switch b {
		case ACK:
			tx.phase = Transfer
			out.stop(TimerResponse)
			out.send(tx.frames[tx.next]...)
			out.arm(TimerResponse)
		case NAK:
			// Receiver not ready.  Try again after the backoff.
			out.stop(TimerResponse)
			out.arm(TimerRetry)
		case ENQ:
			// Contention.  Always yield to the instrument.
			tx.logger.Debug("ENQ contention, yielding")
			out.stop(TimerResponse)
			out.arm(TimerRetry)
		case EOT:
			out = tx.abort(out, ErrSendAborted)
		}

	case Transfer:
		switch b {
		case ACK:
			tx.retries = 0
			tx.next++
			out.stop(TimerResponse)
			if tx.next >= len(tx.frames) {
				tx.phase = Termination
				tx.done = true
				out.send(EOT)
				out.Close = true
				return out
			}
			out.send(tx.frames[tx.next]...)
			out.arm(TimerResponse)
		case NAK:
			out = tx.refused(out)
		case EOT:
			out = tx.abort(out, ErrSendAborted)
		}

	case Idle, Termination:
		// Nothing left to say.
	}

	return out
}

// OnFrame is required by the session runner but the peer of a sender
// should never transmit frames.  Ignore them.
func (tx *Sender) OnFrame(status DecodeStatus, f Frame) Out {
	tx.logger.Debug("ignoring unexpected frame from receiver", "status", status, "fn", f.FN)
	return Out{}
}

func (tx *Sender) OnTimer(t TimerID) Out {
	var out Out

	switch t {
	case TimerResponse:
		// Silence counts the same as a refusal.
		switch tx.phase {
		case EstablishmentPending:
			out.arm(TimerRetry)
		case Transfer:
			out = tx.refused(out)
		case Idle, Termination:
		}

	case TimerRetry:
		switch tx.phase {
		case EstablishmentPending:
			out.send(ENQ)
			out.arm(TimerResponse)
		case Transfer:
			tx.logger.Debug("retransmitting frame", "index", tx.next)
			out.send(tx.frames[tx.next]...)
			out.arm(TimerResponse)
		case Idle, Termination:
		}

	case TimerReceive:
		// Sender role never arms T2.
	}

	return out
}

func (tx *Sender) OnPeerClose() Out {
	if !tx.done && tx.err == nil {
		tx.err = ErrSendAborted
	}
	return Out{Close: true, Cancel: []TimerID{TimerResponse, TimerRetry}}
}

// refused books one refusal of the current frame and either schedules
// a retransmission or gives up.
func (tx *Sender) refused(out Out) Out {
	tx.retries++
	out.stop(TimerResponse)
	if tx.retries >= MaxConsecutiveNAKs {
		return tx.abort(out, ErrSendRefused)
	}
	out.arm(TimerRetry)
	return out
}

func (tx *Sender) abort(out Out, err error) Out {
	tx.err = err
	tx.phase = Termination
	out.send(EOT)
	out.stop(TimerResponse)
	out.stop(TimerRetry)
	out.Close = true
	return out
}

// splitRecordText breaks plain message text into record lines,
// accepting CR, LF, or CRLF separators and ignoring empty lines.
func splitRecordText(text []byte) [][]byte {
	var records [][]byte
	for _, line := range bytes.FieldsFunc(text, func(r rune) bool {
		return r == '\r' || r == '\n'
	}) {
		if len(line) > 0 {
			records = append(records, line)
		}
	}
	return records
}
