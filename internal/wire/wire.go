// Package wire implements the fixed 90-byte scanner control message.
//
// The layout is inherited from the scanner hardware and cannot change:
//
//	offset  size  field
//	0       3     signature (55 00 00)
//	3       3     request type (5a 00 00 discovery, 5a 54 00 transfer)
//	6       6     reserved, zero
//	12      4     initiator IPv4, network byte order
//	16      4     reserved, zero
//	20      20    src name, ASCII, NUL padded
//	40      40    dst name, ASCII, NUL padded
//	80      10    reserved, zero
package wire

import (
	"bytes"
	"errors"
	"net"
)

// MessageSize is the exact length of every control datagram.
const MessageSize = 90

// Name field widths in bytes. Longer names are truncated, never rejected.
const (
	SrcNameSize = 20
	DstNameSize = 40
)

const (
	signatureOff = 0
	requestOff   = 3
	initiatorOff = 12
	srcNameOff   = 20
	dstNameOff   = 40
)

// RequestType identifies the intent of a control message.
type RequestType [3]byte

var (
	// Discovery asks an agent to identify itself with a unicast response.
	Discovery = RequestType{0x5A, 0x00, 0x00}
	// Transfer announces an imminent TCP payload from the initiator.
	Transfer = RequestType{0x5A, 0x54, 0x00}

	signature = [3]byte{0x55, 0x00, 0x00}
)

func (t RequestType) String() string {
	switch t {
	case Discovery:
		return "discovery"
	case Transfer:
		return "transfer"
	}
	return "unknown"
}

var (
	ErrWrongLength        = errors.New("wire: message length is not 90 bytes")
	ErrBadSignature       = errors.New("wire: bad signature")
	ErrUnknownRequestType = errors.New("wire: unknown request type")
	ErrBadIPv4            = errors.New("wire: initiator address is not IPv4")
)

// Message is one decoded control datagram. Reserved regions are not
// represented; Encode zeroes them and Decode ignores them.
type Message struct {
	Type        RequestType
	InitiatorIP net.IP
	SrcName     string
	DstName     string
}

// Encode serializes m into its wire form. Oversized names are truncated
// and non-ASCII name bytes are replaced with '?'. Encode never fails.
func Encode(m Message) [MessageSize]byte {
	var out [MessageSize]byte

	copy(out[signatureOff:], signature[:])
	copy(out[requestOff:], m.Type[:])

	if ip := m.InitiatorIP.To4(); ip != nil {
		copy(out[initiatorOff:], ip)
	}

	putName(out[srcNameOff:srcNameOff+SrcNameSize], m.SrcName)
	putName(out[dstNameOff:dstNameOff+DstNameSize], m.DstName)

	return out
}

// putName writes name into the NUL-padded field, truncating to the field
// width and substituting '?' for anything outside printable ASCII.
func putName(field []byte, name string) {
	b := []byte(name)
	if len(b) > len(field) {
		b = b[:len(field)]
	}
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			c = '?'
		}
		field[i] = c
	}
}

// Decode parses a control datagram. Datagrams of the wrong length, with a
// bad signature, or with an unknown request type are rejected.
func Decode(data []byte) (Message, error) {
	if len(data) != MessageSize {
		return Message{}, ErrWrongLength
	}
	if !bytes.Equal(data[signatureOff:signatureOff+3], signature[:]) {
		return Message{}, ErrBadSignature
	}

	var typ RequestType
	copy(typ[:], data[requestOff:requestOff+3])
	if typ != Discovery && typ != Transfer {
		return Message{}, ErrUnknownRequestType
	}

	ip := net.IPv4(data[initiatorOff], data[initiatorOff+1], data[initiatorOff+2], data[initiatorOff+3])
	if ip.To4() == nil {
		return Message{}, ErrBadIPv4
	}

	return Message{
		Type:        typ,
		InitiatorIP: ip,
		SrcName:     getName(data[srcNameOff : srcNameOff+SrcNameSize]),
		DstName:     getName(data[dstNameOff : dstNameOff+DstNameSize]),
	}, nil
}

// getName reads a NUL-padded name field up to the first NUL.
func getName(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
