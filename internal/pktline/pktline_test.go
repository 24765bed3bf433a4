package pktline

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("want 4284b1521b200ba4934ee710a4a538549f1f0f97\n")
	enc := Encode(payload, 0)
	pkts, err := ParseBuffer(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pkts) != 1 || !bytes.Equal(pkts[0].Payload, payload) {
		t.Fatalf("round trip mismatch: %+v", pkts)
	}
}

func TestEncodeWithChannel(t *testing.T) {
	enc := Encode([]byte("hello\n"), ChannelProgress)
	pkts, err := ParseBuffer(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pkts[0].Payload[0] != ChannelProgress {
		t.Fatalf("expected channel byte 2, got %v", pkts[0].Payload[0])
	}
}

func TestParseBufferFlushDelimResponseEnd(t *testing.T) {
	buf := append(append([]byte{}, EncodeFlush()...), []byte("0001")...)
	buf = append(buf, []byte("0002")...)
	pkts, err := ParseBuffer(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Kind{KindFlush, KindDelim, KindResponseEnd}
	for i, k := range want {
		if pkts[i].Kind != k {
			t.Fatalf("pkt %d: want kind %v got %v", i, k, pkts[i].Kind)
		}
	}
}

func TestParseBufferInvalidHeader(t *testing.T) {
	_, err := ParseBuffer([]byte("zzzzpayload"))
	if err == nil {
		t.Fatalf("expected error for invalid hex header")
	}
}

func TestParseBufferReservedLength(t *testing.T) {
	_, err := ParseBuffer([]byte("0001xyz")) // header "0001" is a DELIM special, not reserved
	if err != nil {
		t.Fatalf("0001 should be a valid delim special: %v", err)
	}
	_, err = ParseBuffer([]byte("0003abc"))
	if err == nil {
		t.Fatalf("expected error for reserved length 3")
	}
}

func TestParseBufferLengthOverrunsBuffer(t *testing.T) {
	// header declares 0x00a4 (164) bytes total but only 3 remain
	_, err := ParseBuffer([]byte("00a4abc"))
	if err == nil {
		t.Fatalf("expected malformed frame error")
	}
	var mf *MalformedFrame
	if !asMalformed(err, &mf) {
		t.Fatalf("expected MalformedFrame, got %T: %v", err, err)
	}
}

func asMalformed(err error, target **MalformedFrame) bool {
	if mf, ok := err.(*MalformedFrame); ok {
		*target = mf
		return true
	}
	return false
}

func TestChunkReaderDropsSideband2ExceptFirst(t *testing.T) {
	var src bytes.Buffer
	src.Write(Encode([]byte("PACK..."), ChannelData))
	src.Write(Encode([]byte("progress one"), ChannelProgress))
	src.Write(Encode([]byte("progress two"), ChannelProgress))
	src.Write(EncodeFlush())

	cr := NewChunkReader(&src)
	var out bytes.Buffer
	if err := cr.CopyTo(&out); err != nil {
		t.Fatalf("copy: %v", err)
	}

	pkts, err := ParseBuffer(out.Bytes())
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	var sidebandFrames int
	for _, p := range pkts {
		if p.Kind == KindPayload && len(p.Payload) > 0 && p.Payload[0] == ChannelProgress {
			sidebandFrames++
			if !bytes.Contains(p.Payload, []byte("git-cdn, using cached pack")) {
				t.Fatalf("expected synthetic marker, got %q", p.Payload)
			}
		}
	}
	if sidebandFrames != 1 {
		t.Fatalf("expected exactly 1 sideband-2 frame to survive, got %d", sidebandFrames)
	}
	if !cr.DroppedSideband2() {
		t.Fatalf("expected DroppedSideband2 true")
	}
}

func TestChunkReaderTruncatedStream(t *testing.T) {
	var src bytes.Buffer
	src.Write(Encode([]byte("PACK..."), ChannelData))
	// no terminating flush
	cr := NewChunkReader(&src)
	for {
		_, err := cr.Next()
		if err == nil {
			continue
		}
		if err != TruncatedStream {
			t.Fatalf("expected TruncatedStream, got %v", err)
		}
		return
	}
}

func TestChunkReaderEmptyFlushOnly(t *testing.T) {
	cr := NewChunkReader(bytes.NewReader(EncodeFlush()))
	var out bytes.Buffer
	if err := cr.CopyTo(&out); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if out.String() != "0000" {
		t.Fatalf("expected flush only, got %q", out.String())
	}
}

func TestChunkReaderNoSidebandDataUnaffected(t *testing.T) {
	var src bytes.Buffer
	src.Write(Encode([]byte("plain data"), 0))
	src.Write(EncodeFlush())
	cr := NewChunkReader(&src)
	var out bytes.Buffer
	if err := cr.CopyTo(&out); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if cr.DroppedSideband2() {
		t.Fatalf("no sideband-2 frames present, should not report dropped")
	}
	if !bytes.Contains(out.Bytes(), []byte("plain data")) {
		t.Fatalf("expected original payload preserved")
	}
	_ = io.EOF
}
