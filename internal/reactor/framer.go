package reactor

import (
	"bytes"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/wordduel/server/internal/protocol"
)

var (
	// errIncomplete reports that the frame at the head of the input has not
	// fully arrived yet.
	errIncomplete = errors.New("incomplete frame")

	// errControlFrame reports a WebSocket control frame that carried no message.
	errControlFrame = errors.New("control frame")

	// errCloseFrame reports a WebSocket close handshake started by the peer.
	errCloseFrame = errors.New("close frame")
)

// framer splits buffered input into protocol messages and encodes output.
// Neither method touches the socket.
type framer interface {
	name() string
	// decode parses the frame at the head of buf and returns how many bytes
	// it took. A fatal error leaves n undefined since the stream is lost.
	decode(c *Conn, buf []byte) (m protocol.Message, n int, err error)
	// encode appends m to the connection's output buffer.
	encode(c *Conn, m protocol.Message) error
}

// streamFramer carries messages directly on the TCP stream.
type streamFramer struct{}

func (streamFramer) name() string { return "tcp" }

func (streamFramer) decode(_ *Conn, buf []byte) (protocol.Message, int, error) {
	r := bytes.NewReader(buf)
	m, err := protocol.Decode(r)
	if errors.Is(err, protocol.ErrConnectionClosed) {
		return protocol.Message{}, 0, errIncomplete
	}
	return m, len(buf) - r.Len(), err
}

func (streamFramer) encode(c *Conn, m protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	c.out = append(c.out, data...)
	return nil
}

// wsFramer carries exactly one message per binary WebSocket message.
type wsFramer struct{}

func (wsFramer) name() string { return "ws" }

func (wsFramer) decode(c *Conn, buf []byte) (protocol.Message, int, error) {
	r := bytes.NewReader(buf)
	h, err := ws.ReadHeader(r)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return protocol.Message{}, 0, errIncomplete
	}
	if err != nil {
		return protocol.Message{}, 0, &protocol.FormatError{Reason: err.Error(), Fatal: true}
	}
	if err := ws.CheckHeader(h, ws.StateServerSide); err != nil {
		return protocol.Message{}, 0, &protocol.FormatError{Reason: err.Error(), Fatal: true}
	}
	if h.Length > protocol.MaxDatagramSize {
		return protocol.Message{}, 0, &protocol.FormatError{Reason: "websocket message too large", Fatal: true}
	}

	start := len(buf) - r.Len()
	n := start + int(h.Length)
	if len(buf) < n {
		return protocol.Message{}, 0, errIncomplete
	}
	payload := make([]byte, h.Length)
	copy(payload, buf[start:n])
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}

	switch {
	case h.OpCode == ws.OpPing:
		if err := c.appendFrame(ws.NewPongFrame(payload)); err != nil {
			return protocol.Message{}, n, err
		}
		return protocol.Message{}, n, errControlFrame
	case h.OpCode == ws.OpPong:
		return protocol.Message{}, n, errControlFrame
	case h.OpCode == ws.OpClose:
		var body []byte
		if len(payload) >= 2 {
			code, _ := ws.ParseCloseFrameData(payload)
			body = ws.NewCloseFrameBody(code, "")
		}
		if err := c.appendFrame(ws.NewCloseFrame(body)); err != nil {
			return protocol.Message{}, n, err
		}
		return protocol.Message{}, n, errCloseFrame
	case !h.Fin:
		return protocol.Message{}, n, &protocol.FormatError{Reason: "fragmented websocket message", Fatal: true}
	case h.OpCode != ws.OpBinary:
		return protocol.Message{}, n, &protocol.FormatError{Reason: "websocket message is not binary"}
	}
	m, err := protocol.UnmarshalDatagram(payload)
	return m, n, err
}

func (wsFramer) encode(c *Conn, m protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	out := bytes.NewBuffer(c.out)
	if err := wsutil.WriteServerBinary(out, data); err != nil {
		return errors.Wrapf(err, "reactor: frame %s", m.Type)
	}
	c.out = out.Bytes()
	return nil
}

func (c *Conn) appendFrame(f ws.Frame) error {
	out := bytes.NewBuffer(c.out)
	if err := ws.WriteFrame(out, f); err != nil {
		return errors.Wrap(err, "reactor: websocket control frame")
	}
	c.out = out.Bytes()
	return nil
}

// upgradeWebSocket performs the server side handshake on a raw connection.
// It runs before the connection is handed to a worker.
func upgradeWebSocket(c *Conn, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.netConn.SetDeadline(time.Now().Add(timeout))
		defer c.netConn.SetDeadline(time.Time{})
	}
	_, err := ws.Upgrade(c.netConn)
	return errors.Wrap(err, "reactor: websocket upgrade")
}
