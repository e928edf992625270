package astm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink hands every delivered message to a channel.
type captureSink struct {
	messages chan *Message
}

func newCaptureSink() *captureSink {
	return &captureSink{messages: make(chan *Message, 32)}
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Deliver(msg *Message) error {
	c.messages <- msg
	return nil
}

func (c *captureSink) wait(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-c.messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message dispatched")
		return nil
	}
}

func startTestSession(t *testing.T) (net.Conn, *captureSink, func()) {
	t.Helper()

	var client, server = net.Pipe()
	var sink = newCaptureSink()
	var disp = NewDispatcher([]Sink{sink}, nil, nil)
	var session = NewSession(server, DefaultConfig(), disp, nil, nil)

	var ctx, cancel = context.WithCancel(context.Background())
	var stopped = make(chan struct{})
	go func() {
		session.Run(ctx)
		close(stopped)
	}()

	return client, sink, func() {
		cancel()
		client.Close()
		<-stopped
		disp.Close()
	}
}

func expectByte(t *testing.T, conn net.Conn, want byte) {
	t.Helper()
	var buf [1]byte
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	var _, err = conn.Read(buf[:])
	require.NoError(t, err)
	require.Equal(t, want, buf[0])
}

func mustWrite(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	var _, err = conn.Write(data)
	require.NoError(t, err)
}

// The canonical exchange over real (piped) sockets: the whole receiver stack from bytes
// to dispatched message.
func TestSessionSingleMessage(t *testing.T) {
	var client, sink, stop = startTestSession(t)
	defer stop()

	mustWrite(t, client, []byte{ENQ})
	expectByte(t, client, ACK)

	var lines = []string{
		`H|\^&|||cobas|||||||P|1`,
		"P|1",
		"R|1|^^^Glu|100|mg/dL",
		"L|1|N",
	}
	for i, line := range lines {
		mustWrite(t, client, EncodeFrame((i+1)%8, []byte(line+"\r"), true))
		expectByte(t, client, ACK)
	}
	mustWrite(t, client, []byte{EOT})

	var msg = sink.wait(t)
	assert.Equal(t, []string{"H", "P", "R", "L"}, msg.Types())
	assert.Equal(t, joinCR(lines), msg.Text())
}

func TestSessionBadChecksumGetsNAK(t *testing.T) {
	var client, sink, stop = startTestSession(t)
	defer stop()

	mustWrite(t, client, []byte{ENQ})
	expectByte(t, client, ACK)

	var good = EncodeFrame(1, []byte("H|\\^&\r"), true)
	var bad = append([]byte(nil), good...)
	bad[len(bad)-4] ^= 0x01 // clobber C1

	mustWrite(t, client, bad)
	expectByte(t, client, NAK)

	mustWrite(t, client, good)
	expectByte(t, client, ACK)

	mustWrite(t, client, EncodeFrame(2, []byte("L|1|N\r"), true))
	expectByte(t, client, ACK)
	mustWrite(t, client, []byte{EOT})

	var msg = sink.wait(t)
	assert.Equal(t, []string{"H", "L"}, msg.Types())
}

func TestSessionSplitAcrossWrites(t *testing.T) {
	var client, sink, stop = startTestSession(t)
	defer stop()

	mustWrite(t, client, []byte{ENQ})
	expectByte(t, client, ACK)

	// One frame dribbled in three pieces; the codec must wait for
	// the rest instead of judging a fragment.
	var frame = EncodeFrame(1, []byte("H|\\^&\r"), true)
	mustWrite(t, client, frame[:3])
	mustWrite(t, client, frame[3:7])
	mustWrite(t, client, frame[7:])
	expectByte(t, client, ACK)

	mustWrite(t, client, EncodeFrame(2, []byte("L|1|N\r"), true))
	expectByte(t, client, ACK)
	mustWrite(t, client, []byte{EOT})

	sink.wait(t)
}

func TestSessionPeerDisconnectDiscards(t *testing.T) {
	var client, sink, stop = startTestSession(t)
	defer stop()

	mustWrite(t, client, []byte{ENQ})
	expectByte(t, client, ACK)
	mustWrite(t, client, EncodeFrame(1, []byte("H|\\^&\r"), true))
	expectByte(t, client, ACK)

	client.Close()

	select {
	case <-sink.messages:
		t.Fatal("half a message must not be dispatched")
	case <-time.After(200 * time.Millisecond):
	}
}

// The two state machines talking to each other through a pipe: the
// sender command against the receiver gateway.
func TestSessionSenderAgainstReceiver(t *testing.T) {
	var client, sink, stop = startTestSession(t)
	defer stop()

	var text = "H|\\^&|||selftest\rP|1\rR|1|^^^K|4.1|mmol/L\rL|1|N"

	var err = Send(context.Background(), client, []byte(text), DefaultConfig(), nil)
	require.NoError(t, err)

	var msg = sink.wait(t)
	assert.Equal(t, text, msg.Text())
}

func TestSessionReceiveTimerDiscards(t *testing.T) {
	var client, server = net.Pipe()
	defer client.Close()

	var cfg = DefaultConfig()
	cfg.Timers.ReceiveSeconds = 1 // fast T2 for the test

	var sink = newCaptureSink()
	var disp = NewDispatcher([]Sink{sink}, nil, nil)
	defer disp.Close()

	var session = NewSession(server, cfg, disp, nil, nil)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	mustWrite(t, client, []byte{ENQ})
	expectByte(t, client, ACK)
	mustWrite(t, client, EncodeFrame(1, []byte("H|\\^&\r"), true))
	expectByte(t, client, ACK)

	// Go quiet past T2.
	time.Sleep(1500 * time.Millisecond)

	// The machine is back in Idle: a frame is refused, a new ENQ
	// accepted.
	mustWrite(t, client, EncodeFrame(2, []byte("P|1\r"), true))
	expectByte(t, client, NAK)

	mustWrite(t, client, []byte{ENQ})
	expectByte(t, client, ACK)

	select {
	case <-sink.messages:
		t.Fatal("the stale message must be discarded, not dispatched")
	default:
	}
}
