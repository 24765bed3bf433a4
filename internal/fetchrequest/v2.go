package fetchrequest

import (
	"strings"

	"github.com/crohr/smart-git-proxy/internal/pktline"
)

// v2KnownCaps mirrors the original v2 parser's GIT_CAPS: unlike v1, "agent"
// is the only capability value recognized outside the command= line (which
// is consumed separately, not treated as a capability).
var v2KnownCaps = map[string]bool{
	"agent": true,
}

// v2KnownArgs mirrors the original v2 parser's ARGS allowlist.
var v2KnownArgs = map[string]bool{
	"want": true, "have": true, "done": true, "thin-pack": true,
	"no-progress": true, "include-tag": true, "ofs-delta": true,
	"shallow": true, "deepen": true, "deepen-relative": true,
	"deepen-since": true, "deepen-not": true, "filter": true,
	"want-ref": true, "sideband-all": true, "packfile-uris": true,
	"wait-for-done": true,
}

// ParseV2 parses a protocol v2 request: an optional capability-advertisement
// block (including command=<name> anywhere in it), a DELIM packet, then
// command-specific argument lines terminated by FLUSH. A second command=
// line, or any RESPONSE-END packet, is a parse error.
func ParseV2(raw []byte) *Request {
	pkts, err := parseBuffer(raw)
	if err != nil {
		return parseErrorRequest(raw)
	}
	r := newRequest(raw)
	if ok := r.parseV2(pkts); !ok {
		return parseErrorRequest(raw)
	}
	r.Fingerprint = r.computeFingerprint(true)
	return r
}

func (r *Request) parseV2(pkts []pktline.Packet) bool {
	i := 0
	sawCommand := false

	for ; i < len(pkts); i++ {
		p := pkts[i]
		switch p.Kind {
		case pktline.KindDelim:
			i++
			goto args
		case pktline.KindFlush:
			// flush with no delim: empty command block, nothing to parse.
			return true
		case pktline.KindResponseEnd:
			return false
		case pktline.KindPayload:
			line := strings.TrimSuffix(string(p.Payload), "\n")
			name, val, hasVal := strings.Cut(line, "=")
			if name == "command" {
				if sawCommand {
					return false // two commands = parse error
				}
				sawCommand = true
				r.Command = val
				continue
			}
			if !v2KnownCaps[name] {
				continue // unknown capability, skip
			}
			r.Caps.Insert(name)
			if hasVal {
				r.Vals[name] = val
			} else {
				r.Vals[name] = "true"
			}
		}
	}
	return true // no delim/flush ever seen: treat as truncated but not fatal here

args:
	for ; i < len(pkts); i++ {
		p := pkts[i]
		switch p.Kind {
		case pktline.KindFlush:
			return true
		case pktline.KindDelim, pktline.KindResponseEnd:
			return false
		case pktline.KindPayload:
			line := strings.TrimSuffix(string(p.Payload), "\n")
			if key, val, hasSpace := strings.Cut(line, " "); hasSpace {
				switch key {
				case "want":
					r.Wants.Insert(val)
				case "have":
					r.Haves.Insert(val)
				default:
					if !v2KnownArgs[key] {
						continue
					}
					r.Args.Insert(key)
					r.Vals[key] = val
					if key == "filter" {
						r.Filter = true
					}
					if strings.Contains(key, "deep") {
						r.Depth = true
						r.DepthLines = append(r.DepthLines, line)
					}
				}
				continue
			}
			// bare line, no argument value
			if line == "done" {
				r.Done = true
				r.Args.Insert("done")
				continue
			}
			if strings.Contains(line, "deep") {
				r.Depth = true
				r.DepthLines = append(r.DepthLines, line)
				continue
			}
			if !v2KnownArgs[line] {
				continue
			}
			r.Args.Insert(line)
			if line == "filter" {
				r.Filter = true
			}
		}
	}
	return true
}
