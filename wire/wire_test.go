package wire

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := &Envelope{
		Action:      ActionMessage,
		Time:        time.Now().Unix(),
		Sender:      "alice",
		Destination: "bob",
		Payload:     "b2hhaQ==",
	}

	frame, err := Encode(env)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frame), 4)
	assert.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame))

	decoded, err := Decode(frame[4:])
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeRejectsNonObject(t *testing.T) {
	for _, body := range []string{
		`"just a string"`,
		`42`,
		`[{"action":"message"}]`,
		`null`,
		``,
		`{"action":`,
		`not json at all`,
	} {
		_, err := Decode([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedFrame, "body %q", body)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"action":"presence","account":"alice","bogus":true}`))
	require.NoError(t, err)
	assert.Equal(t, ActionPresence, env.Action)
	assert.Equal(t, "alice", env.Account)
}

func TestReadEnvelopeTimeoutIsDistinguishable(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := NewReader(client).ReadEnvelope(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "expected a timeout, got %v", err)
}

func TestReadEnvelopeConnectionLossIsNotTimeout(t *testing.T) {
	server, client := net.Pipe()
	server.Close()

	_, err := NewReader(client).ReadEnvelope(time.Second)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestReadEnvelopeTruncatedBody(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 100)
		server.Write(lenBuf[:])
		server.Write([]byte(`{"action":`))
		server.Close()
	}()

	_, err := NewReader(client).ReadEnvelope(time.Second)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadEnvelopeOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
		server.Write(lenBuf[:])
	}()

	_, err := NewReader(client).ReadEnvelope(time.Second)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReaderIdleTimeoutThenFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	rd := NewReader(client)
	_, err := rd.ReadEnvelope(50 * time.Millisecond)
	require.Error(t, err)
	require.True(t, IsTimeout(err))

	frame, err := Encode(&Envelope{Action: ActionExit, Time: 1})
	require.NoError(t, err)
	go server.Write(frame)

	env, err := rd.ReadEnvelope(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionExit, env.Action)
}

// A deadline expiring mid-frame must not desync the stream: the next read
// resumes at the buffered position and yields the same frame intact.
func TestReaderResumesAfterMidFrameTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	frame, err := Encode(&Envelope{Action: ActionExit, Time: 1, Account: "alice"})
	require.NoError(t, err)

	rd := NewReader(client)

	// Only half the length prefix arrives before the deadline.
	go server.Write(frame[:2])
	_, err = rd.ReadEnvelope(150 * time.Millisecond)
	require.Error(t, err)
	require.True(t, IsTimeout(err), "mid-frame expiry must stay recoverable, got %v", err)

	// The remainder lands; the retry must decode the original frame.
	go server.Write(frame[2:])
	env, err := rd.ReadEnvelope(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionExit, env.Action)
	assert.Equal(t, "alice", env.Account)
}

func TestWriteReadOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sent := Errorf(ReasonUnreachable, "recipient %s is not reachable", "bob")
	go func() {
		WriteEnvelope(server, sent, time.Second)
	}()

	got, err := NewReader(client).ReadEnvelope(time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Response)
	assert.Equal(t, ReasonUnreachable, got.Reason)
	assert.Equal(t, "recipient bob is not reachable", got.Error)
	assert.True(t, got.IsResponse())
}

func TestProbeIsNotAResponse(t *testing.T) {
	assert.False(t, Probe().IsResponse())
	assert.True(t, OK().IsResponse())
	assert.True(t, OKList(nil).IsResponse())
	assert.True(t, Challenge("nonce").IsResponse())
}
