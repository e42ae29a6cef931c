// Package router implements the Trigger & Sequence Router (spec §4.5): it
// watches trigger files, parses the `(SENDER #N): body` grammar, enforces
// per-sender monotonic sequence dedup, fans out broadcasts, and gates
// delivery to designated worker panes on workspace phase.
package router

import (
	"regexp"
	"strconv"
	"strings"
)

// sessionBanner is the exact substring that marks a sender restart when it
// appears in a seq==1 message body (spec §4.5).
const sessionBanner = "# HIVEMIND SESSION:"

var lineGrammar = regexp.MustCompile(`(?s)^\(([A-Z0-9_]+) #(\d+)\): (.*)$`)

// ParsedMessage is one line extracted from a trigger file (spec §3).
type ParsedMessage struct {
	Sender    string
	Seq       int64 // 0 means unsequenced (seq=null); Ill-formed lines set HasSeq=false
	HasSeq    bool
	Body      string
	IsRestart bool // seq==1 and body contains the session-restart banner
	Raw       string
}

// parseLine parses one trigger-file line per the `(SENDER #N): body` grammar.
// A line that does not match is forwarded verbatim with HasSeq=false,
// per spec §4.5 ("lines lacking this prefix are forwarded verbatim with
// seq=null, no dedup applies").
func parseLine(line string) ParsedMessage {
	m := lineGrammar.FindStringSubmatch(line)
	if m == nil {
		return ParsedMessage{Body: line, HasSeq: false, Raw: line}
	}
	seq, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || seq <= 0 {
		// Grammar matched digits but overflowed or was non-positive; treat
		// as malformed rather than panic or silently accept seq=0.
		return ParsedMessage{Body: line, HasSeq: false, Raw: line}
	}
	pm := ParsedMessage{
		Sender: m[1],
		Seq:    seq,
		HasSeq: true,
		Body:   m[3],
		Raw:    line,
	}
	pm.IsRestart = seq == 1 && strings.Contains(pm.Body, sessionBanner)
	return pm
}
