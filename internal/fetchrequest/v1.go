package fetchrequest

import (
	"bytes"
	"strings"

	"github.com/crohr/smart-git-proxy/internal/pktline"
)

// ParseV1 parses a protocol v1 upload-pack request body:
//
//	want <oid> <cap> <cap>...\n
//	want <oid>\n
//	have <oid>\n
//	...
//	[flush]
//	done
//
// A leading flush before the first want line is accepted and produces a
// zero-want request rather than a parse error (SPEC_FULL.md open question 2).
func ParseV1(raw []byte) *Request {
	pkts, err := parseBuffer(raw)
	if err != nil {
		return parseErrorRequest(raw)
	}
	r := newRequest(raw)
	if ok := r.parseV1(pkts); !ok {
		return parseErrorRequest(raw)
	}
	r.Fingerprint = r.computeFingerprint(false)
	return r
}

func (r *Request) parseV1(pkts []pktline.Packet) bool {
	i := 0

	// Optional leading flush(es) before the first want line.
	for i < len(pkts) && pkts[i].Kind == pktline.KindFlush {
		i++
	}

	if i < len(pkts) && pkts[i].Kind == pktline.KindPayload {
		line := bytes.TrimSuffix(pkts[i].Payload, []byte("\n"))
		fields := strings.Fields(string(line))
		if len(fields) < 2 || fields[0] != "want" {
			return false
		}
		r.Wants.Insert(fields[1])
		for _, tok := range fields[2:] {
			name, val, hasVal := strings.Cut(tok, "=")
			if !v1KnownCaps[name] {
				continue
			}
			r.Caps.Insert(name)
			if hasVal {
				r.Vals[name] = val
			} else {
				r.Vals[name] = "true"
			}
			if name == "filter" {
				r.Filter = true
			}
		}
		i++
	}

	for ; i < len(pkts); i++ {
		p := pkts[i]
		if p.Kind != pktline.KindPayload {
			continue // flush between sections is a no-op separator
		}
		line := strings.TrimSuffix(string(p.Payload), "\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "want":
			if len(fields) < 2 {
				return false
			}
			r.Wants.Insert(fields[1])
		case "have":
			if len(fields) < 2 {
				return false
			}
			r.Haves.Insert(fields[1])
		case "done":
			r.Done = true
		default:
			if strings.Contains(fields[0], "deep") {
				r.Depth = true
				r.DepthLines = append(r.DepthLines, line)
			}
		}
	}

	return true
}
