// Package someip defines the SOME/IP-shaped wire message envelope used
// as an integration boundary: the transport never interprets payload
// bytes except to report the envelope's size, but applications
// exchanging SOME/IP-style messages over a Connection need a shared
// header shape and validation policy.
//
// Written directly from the SOME/IP field layout in the same
// struct-plus-Validate idiom wire.CommonHeader uses (see DESIGN.md).
package someip

import (
	"encoding/binary"

	"github.com/autocore-ipc/safeipc/safeipcerr"
)

// MessageType enumerates SOME/IP message types relevant to request/
// response/notification framing.
type MessageType uint8

const (
	MessageTypeRequest           MessageType = 0x00
	MessageTypeRequestNoReturn   MessageType = 0x01
	MessageTypeNotification      MessageType = 0x02
	MessageTypeResponse          MessageType = 0x80
	MessageTypeError             MessageType = 0x81
)

// ReturnCode enumerates the subset of SOME/IP return codes this
// envelope cares about for validation purposes.
type ReturnCode uint8

const (
	ReturnCodeOK                ReturnCode = 0x00
	ReturnCodeNotOK             ReturnCode = 0x01
	ReturnCodeUnknownService    ReturnCode = 0x02
	ReturnCodeUnknownMethod     ReturnCode = 0x03
	ReturnCodeMalformedMessage  ReturnCode = 0x09
)

// HeaderSize is the fixed byte length of a SOME/IP header.
const HeaderSize = 16

// Header is the standard SOME/IP header layout.
type Header struct {
	ServiceID        uint16
	MethodID         uint16
	Length           uint32 // length of everything after this field
	ClientID         uint16
	SessionID        uint16
	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageType      MessageType
	ReturnCode       ReturnCode
}

// Encode serializes hdr into dst (big-endian, per the SOME/IP wire
// format) and returns the number of bytes written.
func Encode(dst []byte, hdr Header) (int, error) {
	if len(dst) < HeaderSize {
		return 0, safeipcerr.New(safeipcerr.KindSize, "someip.Encode", nil)
	}
	binary.BigEndian.PutUint16(dst[0:2], hdr.ServiceID)
	binary.BigEndian.PutUint16(dst[2:4], hdr.MethodID)
	binary.BigEndian.PutUint32(dst[4:8], hdr.Length)
	binary.BigEndian.PutUint16(dst[8:10], hdr.ClientID)
	binary.BigEndian.PutUint16(dst[10:12], hdr.SessionID)
	dst[12] = hdr.ProtocolVersion
	dst[13] = hdr.InterfaceVersion
	dst[14] = byte(hdr.MessageType)
	dst[15] = byte(hdr.ReturnCode)
	return HeaderSize, nil
}

// Decode parses a Header from src without validating it against the
// envelope that carried it; call Validate for that.
func Decode(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, safeipcerr.New(safeipcerr.KindBusy, "someip.Decode", nil)
	}
	return Header{
		ServiceID:        binary.BigEndian.Uint16(src[0:2]),
		MethodID:         binary.BigEndian.Uint16(src[2:4]),
		Length:           binary.BigEndian.Uint32(src[4:8]),
		ClientID:         binary.BigEndian.Uint16(src[8:10]),
		SessionID:        binary.BigEndian.Uint16(src[10:12]),
		ProtocolVersion:  src[12],
		InterfaceVersion: src[13],
		MessageType:      MessageType(src[14]),
		ReturnCode:       ReturnCode(src[15]),
	}, nil
}

// Validate checks hdr.Length against envelopeSize, the total payload
// size the Connection reported for the message that carried this
// header. SOME/IP's Length field covers
// everything after itself, i.e. envelopeSize - 8.
func Validate(hdr Header, envelopeSize int) error {
	want := uint32(envelopeSize - 8)
	if envelopeSize < 8 || hdr.Length != want {
		return safeipcerr.New(safeipcerr.KindProtocol, "someip.Validate", nil)
	}
	return nil
}
