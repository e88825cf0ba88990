// Package wire frames and parses HeroChat protocol envelopes.
//
// A frame is a 4-byte big-endian length followed by a UTF-8 JSON object.
// The codec only guarantees structural validity: the payload must be a
// well-formed JSON object. Which fields an envelope needs for a given
// action is the caller's problem.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Actions a client can issue.
const (
	ActionPresence      = "presence"
	ActionMessage       = "message"
	ActionExit          = "exit"
	ActionGetContacts   = "get_contacts"
	ActionAddContact    = "add_contact"
	ActionRemoveContact = "remove_contact"
	ActionListAccounts  = "list_accounts"
	ActionPublicKey     = "public_key_request"
)

// Response status codes.
const (
	StatusOK        = 200 // request accepted
	StatusOKList    = 202 // request accepted, List carries the result
	StatusProbe     = 205 // server-initiated liveness probe
	StatusError     = 400 // request rejected, Error/Reason carry why
	StatusChallenge = 511 // challenge or data carrier
)

// Machine-distinguishable reason codes carried alongside the human-readable
// Error text on 400 responses.
const (
	ReasonMalformed        = "malformed"
	ReasonAlreadyConnected = "already-connected"
	ReasonNotRegistered    = "not-registered"
	ReasonBadDigest        = "bad-digest"
	ReasonNotAuthenticated = "not-authenticated"
	ReasonSpoofedSender    = "spoofed-sender"
	ReasonUnreachable      = "unreachable"
	ReasonStaleSession     = "stale-session"
	ReasonNoKey            = "no-key"
	ReasonStoreError       = "store-error"
	ReasonBadRequest       = "bad-request"
)

// MaxFrameSize bounds a single frame. Payloads are base64 RSA blocks plus
// envelope overhead, so anything near this limit is garbage or abuse.
const MaxFrameSize = 64 * 1024

var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrFrameTooLarge  = errors.New("wire: frame exceeds size limit")
)

// Envelope is one protocol message. Zero-valued fields are omitted on the
// wire; which fields are meaningful depends on Action or Response.
type Envelope struct {
	Action      string   `json:"action,omitempty"`
	Time        int64    `json:"time,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	Account     string   `json:"account,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Data        string   `json:"data,omitempty"`
	Payload     string   `json:"payload,omitempty"`
	Response    int      `json:"response,omitempty"`
	Error       string   `json:"error,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	List        []string `json:"list,omitempty"`
}

// IsResponse reports whether the envelope is a reply to a request, as
// opposed to a server push (incoming message or probe).
func (e *Envelope) IsResponse() bool {
	return e.Response != 0 && e.Response != StatusProbe
}

// Encode serializes the envelope into a single frame.
func Encode(e *Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Decode parses one frame body into an envelope. The top-level JSON value
// must be an object; scalars and arrays are malformed.
func Decode(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformedFrame
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &e, nil
}

// WriteEnvelope frames and writes one envelope, bounded by timeout.
func WriteEnvelope(conn net.Conn, e *Envelope, timeout time.Duration) error {
	frame, err := Encode(e)
	if err != nil {
		return err
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err = conn.Write(frame)
	return err
}

// Reader decodes frames from one connection. It retains partially read
// frame bytes across calls, so a bounded read that expires mid-frame
// resumes at the same position on the next call instead of desyncing the
// stream. Calls on one Reader must be serialized by the caller.
type Reader struct {
	conn    net.Conn
	header  [4]byte
	headerN int
	body    []byte
	bodyN   int
}

func NewReader(conn net.Conn) *Reader {
	return &Reader{conn: conn}
}

// ReadEnvelope reads one frame, bounded by maxWait. A timeout surfaces as a
// net.Error with Timeout() true (check with IsTimeout); it is not connection
// loss, and whatever part of the frame already arrived stays buffered for
// the next call. A short or inconsistent frame is ErrMalformedFrame.
func (r *Reader) ReadEnvelope(maxWait time.Duration) (*Envelope, error) {
	if maxWait > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(maxWait)); err != nil {
			return nil, err
		}
	}
	for r.headerN < len(r.header) {
		n, err := r.conn.Read(r.header[r.headerN:])
		r.headerN += n
		if err != nil {
			if err == io.EOF && r.headerN > 0 {
				return nil, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
			}
			return nil, err
		}
	}
	if r.body == nil {
		size := binary.BigEndian.Uint32(r.header[:])
		if size == 0 {
			r.reset()
			return nil, ErrMalformedFrame
		}
		if size > MaxFrameSize {
			r.reset()
			return nil, ErrFrameTooLarge
		}
		r.body = make([]byte, size)
	}
	for r.bodyN < len(r.body) {
		n, err := r.conn.Read(r.body[r.bodyN:])
		r.bodyN += n
		if err != nil {
			// A partial body at EOF is a broken peer, not a clean timeout.
			if err == io.EOF {
				return nil, fmt.Errorf("%w: truncated body", ErrMalformedFrame)
			}
			return nil, err
		}
	}
	body := r.body
	r.reset()
	return Decode(body)
}

func (r *Reader) reset() {
	r.headerN = 0
	r.body = nil
	r.bodyN = 0
}

// IsTimeout reports whether err is a bounded-wait expiry rather than a
// connection failure.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// OK builds a 200 response.
func OK() *Envelope {
	return &Envelope{Response: StatusOK, Time: time.Now().Unix()}
}

// OKList builds a 202 response carrying a name list.
func OKList(list []string) *Envelope {
	return &Envelope{Response: StatusOKList, Time: time.Now().Unix(), List: list}
}

// Errorf builds a 400 response with a machine reason and human text.
func Errorf(reason, format string, args ...interface{}) *Envelope {
	return &Envelope{
		Response: StatusError,
		Time:     time.Now().Unix(),
		Reason:   reason,
		Error:    fmt.Sprintf(format, args...),
	}
}

// Challenge builds a 511 data carrier.
func Challenge(data string) *Envelope {
	return &Envelope{Response: StatusChallenge, Time: time.Now().Unix(), Data: data}
}

// Probe builds a 205 liveness probe.
func Probe() *Envelope {
	return &Envelope{Response: StatusProbe, Time: time.Now().Unix()}
}
