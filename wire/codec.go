// Package wire implements the frame codec of the protocol: the
// 14-byte common header (formats A and B), inverse-check fields, and
// per-direction monotonically increasing sequence numbers that skip 0.
//
// Grounded on smux's hand-rolled binary.LittleEndian header encoding
// (session.go sendLoop) and the same encoding/binary.LittleEndian use
// a ring buffer's header would need; no framing library fits here, so
// this stays stdlib-only.
package wire

import (
	"encoding/binary"

	"github.com/autocore-ipc/safeipc/safeipcerr"
)

// Format identifies which header shape a frame uses.
type Format uint8

const (
	FormatA Format = 1 // common header only
	FormatB Format = 2 // common header + extended header (attached handle)
)

// CommonHeaderSize is the fixed size of the header every frame starts
// with.
const CommonHeaderSize = 14

// MessageProtocolOverhead is reported to users so they can size buffers
// for the worst case: a format-B frame.
const MessageProtocolOverhead = CommonHeaderSize + ExtendedHeaderSize

// MaxMessageSize is the absolute cap on payload size.
const MaxMessageSize = 1<<32 - 1

// CommonHeader is the wire-exact 14-byte frame header.
type CommonHeader struct {
	Format      Format
	MessageSize uint32
	SeqNum      uint16
}

// ExtendedHeaderSize is the size of the format-B secondary header: a
// single shm.Handle-sized descriptor (size + fixed, zero-padded name
// bytes), kept fixed-width so the codec never needs length-of-length
// bookkeeping of its own.
const (
	extHandleNameLen  = 32
	ExtendedHeaderSize = 4 + extHandleNameLen // size(u32) + fixed name field
)

// ExtendedHeader carries the attached memory-exchange-handle descriptor
// for format-B frames.
type ExtendedHeader struct {
	HandleSize uint32
	HandleName string // truncated/zero-padded to extHandleNameLen on encode
}

// Encode writes the common header (and, for FormatB, the extended
// header) for a message of size payloadLen using seq as the sequence
// number, into dst, which must be at least MessageProtocolOverhead
// bytes for FormatB or CommonHeaderSize for FormatA.
func Encode(dst []byte, format Format, payloadLen uint32, seq uint16, ext *ExtendedHeader) (int, error) {
	need := CommonHeaderSize
	if format == FormatB {
		need += ExtendedHeaderSize
	}
	if len(dst) < need {
		return 0, safeipcerr.New(safeipcerr.KindSize, "wire.Encode", nil)
	}

	dst[0] = byte(format)
	dst[1] = ^byte(format)
	binary.LittleEndian.PutUint32(dst[2:6], payloadLen)
	binary.LittleEndian.PutUint32(dst[6:10], ^payloadLen)
	binary.LittleEndian.PutUint16(dst[10:12], seq)
	dst[12] = 0
	dst[13] = 0

	n := CommonHeaderSize
	if format == FormatB {
		if ext == nil {
			return 0, safeipcerr.New(safeipcerr.KindUnexpected, "wire.Encode", nil)
		}
		binary.LittleEndian.PutUint32(dst[n:n+4], ext.HandleSize)
		n += 4
		var nameBuf [extHandleNameLen]byte
		copy(nameBuf[:], ext.HandleName)
		copy(dst[n:n+extHandleNameLen], nameBuf[:])
		n += extHandleNameLen
	}
	return n, nil
}

// Decode validates and parses a common header (and extended header, if
// format is FormatB) from src. expectedSeq is the next sequence number
// this direction must observe; any mismatch is a protocol error.
func Decode(src []byte, expectedSeq uint16) (hdr CommonHeader, ext *ExtendedHeader, consumed int, err error) {
	if len(src) < CommonHeaderSize {
		return hdr, nil, 0, safeipcerr.New(safeipcerr.KindBusy, "wire.Decode", nil)
	}

	format := Format(src[0])
	formatCheck := src[1]
	if format != FormatA && format != FormatB {
		return hdr, nil, 0, safeipcerr.New(safeipcerr.KindProtocol, "wire.Decode", nil)
	}
	if ^byte(format) != formatCheck {
		return hdr, nil, 0, safeipcerr.New(safeipcerr.KindProtocol, "wire.Decode", nil)
	}

	size := binary.LittleEndian.Uint32(src[2:6])
	sizeCheck := binary.LittleEndian.Uint32(src[6:10])
	if ^size != sizeCheck {
		return hdr, nil, 0, safeipcerr.New(safeipcerr.KindProtocol, "wire.Decode", nil)
	}

	seq := binary.LittleEndian.Uint16(src[10:12])
	if seq != expectedSeq {
		return hdr, nil, 0, safeipcerr.New(safeipcerr.KindProtocol, "wire.Decode", nil)
	}

	hdr = CommonHeader{Format: format, MessageSize: size, SeqNum: seq}
	consumed = CommonHeaderSize

	if format == FormatB {
		if len(src) < consumed+ExtendedHeaderSize {
			return hdr, nil, 0, safeipcerr.New(safeipcerr.KindBusy, "wire.Decode", nil)
		}
		handleSize := binary.LittleEndian.Uint32(src[consumed : consumed+4])
		nameBuf := src[consumed+4 : consumed+4+extHandleNameLen]
		end := 0
		for end < len(nameBuf) && nameBuf[end] != 0 {
			end++
		}
		ext = &ExtendedHeader{HandleSize: handleSize, HandleName: string(nameBuf[:end])}
		consumed += ExtendedHeaderSize
	}

	return hdr, ext, consumed, nil
}

// NextSeq advances a per-direction sequence number, wrapping at 2^16
// and skipping 0.
func NextSeq(cur uint16) uint16 {
	n := cur + 1
	if n == 0 {
		n = 1
	}
	return n
}
