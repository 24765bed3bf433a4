package fetchrequest

import (
	"bytes"
	"testing"

	"github.com/crohr/smart-git-proxy/internal/pktline"
)

func pkt(s string) []byte { return pktline.Encode([]byte(s), 0) }

func TestParseV1Basic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pkt("want 4284b1521b200ba4934ee710a4a538549f1f0f97 side-band-64k agent=git/2.30.0\n"))
	buf.Write(pkt("have 0000000000000000000000000000000000000000\n"))
	buf.Write([]byte(pktline.EncodeFlush()))
	buf.Write(pkt("done\n"))

	r := ParseV1(buf.Bytes())
	if r.ParseError {
		t.Fatalf("unexpected parse error")
	}
	if !r.Wants.Contains("4284b1521b200ba4934ee710a4a538549f1f0f97") {
		t.Fatalf("want not captured: %+v", r.Wants)
	}
	if !r.Haves.Contains("0000000000000000000000000000000000000000") {
		t.Fatalf("have not captured")
	}
	if !r.Done {
		t.Fatalf("expected done=true")
	}
	if !r.Caps.Contains("side-band-64k") {
		t.Fatalf("expected side-band-64k capability")
	}
}

func TestParseV1LeadingFlushAccepted(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pktline.EncodeFlush())
	r := ParseV1(buf.Bytes())
	if r.ParseError {
		t.Fatalf("leading flush should not be a parse error")
	}
	if r.Wants.Size() != 0 {
		t.Fatalf("expected zero wants")
	}
}

func TestParseV1MissingWantIsParseError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pkt("have 0000000000000000000000000000000000000000\n"))
	buf.Write(pktline.EncodeFlush())
	r := ParseV1(buf.Bytes())
	if !r.ParseError {
		t.Fatalf("expected parse error when first line is not want/flush")
	}
	if len(r.Fingerprint) != 64 {
		t.Fatalf("expected random 64-hex fingerprint on parse error, got %q", r.Fingerprint)
	}
}

// TestParseV2ExactFingerprint reproduces the literal end-to-end scenario: a
// v2 fetch with two wants, thin-pack+ofs-delta args, done, and an agent
// capability whose value must NOT influence the fingerprint.
func TestParseV2ExactFingerprint(t *testing.T) {
	const wantA = "44667f210351a1a425a6463a204f32279d3b24f3"
	const wantB = "fcd062d2d06d00fc2a1bf3c8432effccbd186a08"
	const expected = "1e95621aee9bfc6f9d7eae5aaa9e31c6d8e482f7542b4ce1145e08d0328c9ea8"

	var buf bytes.Buffer
	buf.Write(pkt("command=fetch\n"))
	buf.Write(pkt("agent=git/2.25.1\n"))
	buf.Write([]byte("0001")) // DELIM
	buf.Write(pkt("want " + wantA + "\n"))
	buf.Write(pkt("want " + wantB + "\n"))
	buf.Write(pkt("thin-pack\n"))
	buf.Write(pkt("ofs-delta\n"))
	buf.Write(pkt("done\n"))
	buf.Write(pktline.EncodeFlush())

	r := ParseV2(buf.Bytes())
	if r.ParseError {
		t.Fatalf("unexpected parse error")
	}
	if r.Command != "fetch" {
		t.Fatalf("expected command=fetch, got %q", r.Command)
	}
	if r.Wants.Size() != 2 || !r.Wants.Contains(wantA) || !r.Wants.Contains(wantB) {
		t.Fatalf("wants mismatch: %+v", r.Wants)
	}
	if !r.Done {
		t.Fatalf("expected done=true")
	}
	if r.Fingerprint != expected {
		t.Fatalf("fingerprint mismatch:\n got  %s\n want %s", r.Fingerprint, expected)
	}

	// The agent value must not affect the fingerprint: changing it should
	// produce an identical hash (invariant 3).
	var buf2 bytes.Buffer
	buf2.Write(pkt("command=fetch\n"))
	buf2.Write(pkt("agent=git/2.40.0\n"))
	buf2.Write([]byte("0001"))
	buf2.Write(pkt("want " + wantA + "\n"))
	buf2.Write(pkt("want " + wantB + "\n"))
	buf2.Write(pkt("thin-pack\n"))
	buf2.Write(pkt("ofs-delta\n"))
	buf2.Write(pkt("done\n"))
	buf2.Write(pktline.EncodeFlush())

	r2 := ParseV2(buf2.Bytes())
	if r2.Fingerprint != expected {
		t.Fatalf("fingerprint must be stable across agent= values: got %s", r2.Fingerprint)
	}
}

func TestParseV2TwoCommandsIsParseError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pkt("command=fetch\n"))
	buf.Write(pkt("command=ls-refs\n"))
	buf.Write([]byte("0001"))
	buf.Write(pktline.EncodeFlush())

	r := ParseV2(buf.Bytes())
	if !r.ParseError {
		t.Fatalf("expected parse error for duplicate command")
	}
}

func TestParseV2ResponseEndIsParseError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pkt("command=fetch\n"))
	buf.Write([]byte("0002")) // RESPONSE-END
	r := ParseV2(buf.Bytes())
	if !r.ParseError {
		t.Fatalf("expected parse error on RESPONSE-END in command block")
	}
}

func TestCanBeCachedPredicate(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(pkt("command=fetch\n"))
	buf.Write([]byte("0001"))
	buf.Write(pkt("want 44667f210351a1a425a6463a204f32279d3b24f3\n"))
	buf.Write(pkt("done\n"))
	buf.Write(pktline.EncodeFlush())

	r := ParseV2(buf.Bytes())
	if !r.CanBeCached(CacheOptions{}) {
		t.Fatalf("single-want, no-haves, done request should be cacheable")
	}

	var buf2 bytes.Buffer
	buf2.Write(pkt("command=fetch\n"))
	buf2.Write([]byte("0001"))
	buf2.Write(pkt("want 44667f210351a1a425a6463a204f32279d3b24f3\n"))
	buf2.Write(pkt("want fcd062d2d06d00fc2a1bf3c8432effccbd186a08\n"))
	buf2.Write(pkt("done\n"))
	buf2.Write(pktline.EncodeFlush())

	r2 := ParseV2(buf2.Bytes())
	if r2.CanBeCached(CacheOptions{}) {
		t.Fatalf("multi-want request should not be cacheable without PACK_CACHE_MULTI")
	}
	if !r2.CanBeCached(CacheOptions{AllowMultiWant: true}) {
		t.Fatalf("multi-want request should be cacheable when AllowMultiWant is set")
	}
}

func TestParseErrorProducesDistinctFingerprints(t *testing.T) {
	r1 := ParseV1([]byte("not a pkt line stream"))
	r2 := ParseV1([]byte("not a pkt line stream"))
	if !r1.ParseError || !r2.ParseError {
		t.Fatalf("expected parse errors")
	}
	if r1.Fingerprint == r2.Fingerprint {
		t.Fatalf("parse-error fingerprints must not collide")
	}
}
