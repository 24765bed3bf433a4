// Package fetchrequest parses Git upload-pack wire requests (protocol v1 and
// v2) into a canonical Request with a stable content fingerprint, the
// pack-cache lookup key used by internal/packcache.
package fetchrequest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/hashicorp/go-set/v3"

	"github.com/crohr/smart-git-proxy/internal/pktline"
)

// Request is the typed, parsed form of a client's upload-pack POST body.
type Request struct {
	Command string // "fetch", "ls-refs", "object-info", "" (v1 or empty v2 command)

	Caps  *set.Set[string]  // capability names present (v1: from the want line; v2: from the capability-advertisement block)
	Vals  map[string]string // capability/arg name -> value, when one was given
	Args  *set.Set[string]  // v2 argument names other than want/have (includes "done"); always empty for v1 requests
	Haves *set.Set[string]
	Wants *set.Set[string]

	Done       bool
	Depth      bool
	DepthLines []string // verbatim deepen-* lines, retained for logging/replay
	Filter     bool

	Fingerprint string
	ParseError  bool

	raw []byte // original body, used for ERR message + pack-cache direct execution
}

// Raw returns the original request bytes (used to feed a child
// git-upload-pack process and to build ERR messages).
func (r *Request) Raw() []byte { return r.raw }

// CacheOptions controls the cacheability predicate's environment-gated
// relaxations (spec.md §4.2, env vars PACK_CACHE_MULTI / PACK_CACHE_DEPTH).
type CacheOptions struct {
	AllowMultiWant bool
	AllowDepth     bool
}

// CanBeCached reports whether the request's response may be served from
// the pack cache: it parsed cleanly, is done, has no haves and no filter,
// has a single want unless opts.AllowMultiWant, and no depth unless
// opts.AllowDepth. It does not check for a side-band or side-band-64k
// capability.
func (r *Request) CanBeCached(opts CacheOptions) bool {
	if r.ParseError {
		return false
	}
	if r.Haves.Size() != 0 || !r.Done {
		return false
	}
	if r.Filter {
		return false
	}
	if !opts.AllowMultiWant && r.Wants.Size() > 1 {
		return false
	}
	if !opts.AllowDepth && r.Depth {
		return false
	}
	return true
}

func newRequest(raw []byte) *Request {
	return &Request{
		Caps:  set.New[string](4),
		Vals:  map[string]string{},
		Args:  set.New[string](4),
		Haves: set.New[string](8),
		Wants: set.New[string](8),
		raw:   raw,
	}
}

func sortedStrings(s *set.Set[string]) []string {
	out := s.Slice()
	sort.Strings(out)
	return out
}

// fingerprint implements spec.md §4.2's deterministic fingerprint
// construction: sha256 over "caps"+sorted cap names, "haves"+sorted haves,
// "wants"+sorted wants, ["args"+sorted arg names — v2 only], sorted depth
// lines, and "done" iff done. Capability VALUES (e.g. agent=...) are never
// hashed, so the fingerprint is stable across client agent strings
// (invariant 3). v1 requests have no args section at all: v1 has nothing
// equivalent to v2's post-capability-block argument lines.
func (r *Request) computeFingerprint(hasArgsSection bool) string {
	h := sha256.New()
	h.Write([]byte("caps"))
	for _, c := range sortedStrings(r.Caps) {
		h.Write([]byte(c))
	}
	h.Write([]byte("haves"))
	for _, have := range sortedStrings(r.Haves) {
		h.Write([]byte(have))
	}
	h.Write([]byte("wants"))
	for _, want := range sortedStrings(r.Wants) {
		h.Write([]byte(want))
	}
	if hasArgsSection {
		h.Write([]byte("args"))
		for _, a := range sortedStrings(r.Args) {
			h.Write([]byte(a))
		}
	}
	depth := append([]string{}, r.DepthLines...)
	sort.Strings(depth)
	for _, d := range depth {
		h.Write([]byte(d))
	}
	if r.Done {
		h.Write([]byte("done"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// randomFingerprint is used on parse failure so that a malformed request can
// never accidentally collide with a cacheable one (spec.md §4.2).
func randomFingerprint() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func parseErrorRequest(raw []byte) *Request {
	r := newRequest(raw)
	r.ParseError = true
	r.Fingerprint = randomFingerprint()
	return r
}

// known v1 capabilities, mirroring the original parser's GIT_CAPS allowlist.
var v1KnownCaps = map[string]bool{
	"ofs-delta": true, "side-band-64k": true, "multi_ack": true,
	"multi_ack_detailed": true, "no-done": true, "thin-pack": true,
	"side-band": true, "agent": true, "symref": true, "shallow": true,
	"deepen-since": true, "deepen-not": true, "deepen-relative": true,
	"no-progress": true, "include-tag": true, "report-status": true,
	"delete-refs": true, "quiet": true, "atomic": true, "push-options": true,
	"allow-tip-sha1-in-want": true, "allow-reachable-sha1-in-want": true,
	"push-cert": true, "filter": true,
}

// parseBuffer is the shared pkt-line decode step; both v1 and v2 parsers
// build on pktline.ParseBuffer and fall back to a parse-error Request on any
// decode failure.
func parseBuffer(raw []byte) ([]pktline.Packet, error) {
	return pktline.ParseBuffer(raw)
}
