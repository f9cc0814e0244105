package wire

import "testing"

func TestEncodeDecodeRoundTripFormatA(t *testing.T) {
	buf := make([]byte, CommonHeaderSize)
	n, err := Encode(buf, FormatA, 42, 1, nil)
	if err != nil || n != CommonHeaderSize {
		t.Fatalf("encode: n=%d err=%v", n, err)
	}
	hdr, ext, consumed, err := Decode(buf, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Format != FormatA || hdr.MessageSize != 42 || hdr.SeqNum != 1 || ext != nil || consumed != CommonHeaderSize {
		t.Fatalf("unexpected header: %+v consumed=%d ext=%v", hdr, consumed, ext)
	}
}

func TestEncodeDecodeRoundTripFormatB(t *testing.T) {
	buf := make([]byte, MessageProtocolOverhead)
	ext := &ExtendedHeader{HandleSize: 1024, HandleName: "c2s-ring"}
	n, err := Encode(buf, FormatB, 7, 5, ext)
	if err != nil || n != MessageProtocolOverhead {
		t.Fatalf("encode: n=%d err=%v", n, err)
	}
	hdr, gotExt, _, err := Decode(buf, 5)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Format != FormatB || gotExt == nil || gotExt.HandleName != "c2s-ring" || gotExt.HandleSize != 1024 {
		t.Fatalf("unexpected: hdr=%+v ext=%+v", hdr, gotExt)
	}
}

func TestDecodeDetectsBitFlipInFormatComplement(t *testing.T) {
	buf := make([]byte, CommonHeaderSize)
	Encode(buf, FormatA, 1, 1, nil)
	buf[1] ^= 0x01 // flip one bit of the complement check
	if _, _, _, err := Decode(buf, 1); err == nil {
		t.Fatal("expected protocol-error on format complement mismatch")
	}
}

func TestDecodeDetectsBitFlipInSizeComplement(t *testing.T) {
	buf := make([]byte, CommonHeaderSize)
	Encode(buf, FormatA, 100, 1, nil)
	buf[6] ^= 0x01
	if _, _, _, err := Decode(buf, 1); err == nil {
		t.Fatal("expected protocol-error on size complement mismatch")
	}
}

func TestDecodeDetectsSequenceSkip(t *testing.T) {
	buf := make([]byte, CommonHeaderSize)
	Encode(buf, FormatA, 1, 5, nil)
	if _, _, _, err := Decode(buf, 1); err == nil {
		t.Fatal("expected protocol-error on sequence mismatch")
	}
}

func TestNextSeqSkipsZeroOnWrap(t *testing.T) {
	if got := NextSeq(65535); got != 1 {
		t.Fatalf("expected wrap to 1, got %d", got)
	}
	if got := NextSeq(1); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
