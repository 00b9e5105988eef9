package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/pkg/errors"
)

const (
	// MaxFields bounds the field count of a single frame.
	MaxFields = 1024

	// MaxFieldBytes bounds the encoded size of a single field.
	MaxFieldBytes = 1 << 16

	// MaxDatagramSize is the largest payload a UDP datagram can carry.
	MaxDatagramSize = 65507

	headerSize = 4
	lengthSize = 4
)

// Marshal encodes m using the stream layout:
//
//	type(2) | fieldCount(2) | repeated{ length(4) | UTF-16BE text }
//
// Lengths are byte counts of the UTF-16 payload.
func Marshal(m Message) ([]byte, error) {
	if len(m.Fields) > MaxFields {
		return nil, errors.Errorf("protocol: %s has %d fields, max %d", m.Type, len(m.Fields), MaxFields)
	}

	size := headerSize
	encoded := make([][]uint16, len(m.Fields))
	for i, f := range m.Fields {
		encoded[i] = utf16.Encode([]rune(f))
		n := len(encoded[i]) * 2
		if n > MaxFieldBytes {
			return nil, errors.Errorf("protocol: %s field %d is %d bytes, max %d", m.Type, i, n, MaxFieldBytes)
		}
		size += lengthSize + n
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(m.Fields)))
	off := headerSize
	for _, units := range encoded {
		binary.BigEndian.PutUint32(buf[off:off+lengthSize], uint32(len(units)*2))
		off += lengthSize
		for _, u := range units {
			binary.BigEndian.PutUint16(buf[off:off+2], u)
			off += 2
		}
	}
	return buf, nil
}

// Encode writes m to w in a single Write call.
func Encode(w io.Writer, m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return errors.Wrapf(err, "protocol: write %s", m.Type)
}

// Decode reads exactly one frame from r, never reading past its end. A peer
// that closes the stream before or inside a frame yields ErrConnectionClosed.
// Format problems are reported as *FormatError; only those marked Fatal
// leave the stream misaligned.
func Decode(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if err := readFull(r, header[:]); err != nil {
		return Message{}, err
	}
	t := Type(binary.BigEndian.Uint16(header[0:2]))
	count := int(binary.BigEndian.Uint16(header[2:4]))
	if count > MaxFields {
		return Message{}, &FormatError{Reason: fmt.Sprintf("field count %d exceeds %d", count, MaxFields), Fatal: true}
	}

	fields := make([]string, count)
	var oddLength bool
	var lenBuf [lengthSize]byte
	for i := 0; i < count; i++ {
		if err := readFull(r, lenBuf[:]); err != nil {
			return Message{}, err
		}
		n := int32(binary.BigEndian.Uint32(lenBuf[:]))
		if n < 0 {
			return Message{}, &FormatError{Reason: fmt.Sprintf("field %d has negative length %d", i, n), Fatal: true}
		}
		if n > MaxFieldBytes {
			return Message{}, &FormatError{Reason: fmt.Sprintf("field %d length %d exceeds %d", i, n, MaxFieldBytes), Fatal: true}
		}
		if n == 0 {
			fields[i] = ""
			continue
		}
		raw := make([]byte, n)
		if err := readFull(r, raw); err != nil {
			return Message{}, err
		}
		if n%2 != 0 {
			oddLength = true
			continue
		}
		fields[i] = decodeUTF16(raw)
	}

	m := Message{Type: t, Fields: fields}
	if oddLength {
		return m, &FormatError{Reason: "odd UTF-16 byte count"}
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// MarshalDatagram encodes m for a single notification datagram.
func MarshalDatagram(m Message) ([]byte, error) {
	data, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, errors.Errorf("protocol: %s is %d bytes, exceeds datagram limit", m.Type, len(data))
	}
	return data, nil
}

// UnmarshalDatagram decodes a notification datagram. A truncated or padded
// packet is a format error since datagrams have no connection to close.
func UnmarshalDatagram(packet []byte) (Message, error) {
	r := bytes.NewReader(packet)
	m, err := Decode(r)
	if errors.Is(err, ErrConnectionClosed) {
		return Message{}, &FormatError{Reason: "truncated datagram"}
	}
	if err != nil {
		return Message{}, err
	}
	if r.Len() != 0 {
		return Message{}, &FormatError{Reason: fmt.Sprintf("%d trailing bytes in datagram", r.Len())}
	}
	return m, nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}

func decodeUTF16(raw []byte) string {
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(units))
}
