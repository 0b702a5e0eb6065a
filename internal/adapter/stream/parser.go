// Package stream converts raw subagent output lines into typed progress
// events. Three input families are recognized, in priority order:
// structured tag lines, JSON records (one object per line, the stream-json
// format vendor CLIs emit), and free-text heuristics.
package stream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"coderelay/internal/domain"
)

// tagLinePattern matches "<backend> #<n>: <kind> => <content>".
// The content group is captured verbatim: no trimming, tabs preserved,
// because reviewed code snippets in the content are whitespace-sensitive.
var tagLinePattern = regexp.MustCompile(`^(\S+) #(\d+): (\S+) => (.*)$`)

// kindMap is the event-kind mapping table. Input is matched
// case-insensitively; anything unrecognized maps to info.
var kindMap = map[string]domain.EventKind{
	"start":    domain.KindToolStart,
	"complete": domain.KindToolResult,
	"thinking": domain.KindThinking,
	"error":    domain.KindError,
	"debug":    domain.KindDebug,
}

// suppressedRecordTypes are noisy JSON record types dropped entirely
// rather than surfaced as events (incremental output deltas and token
// accounting records).
var suppressedRecordTypes = map[string]bool{
	"token_count":               true,
	"turn_diff":                 true,
	"exec_command_output_delta": true,
}

// toolMarkers are free-text fragments that indicate a tool invocation.
var toolMarkers = []string{"tool_use", "calling tool", "running tool", "[tool]"}

// Parser converts one session's raw output into ordered progress events.
// The sequence counter is per-parser (one parser per session) and resets
// only via an explicit Reset call, never implicitly.
type Parser struct {
	mu        sync.Mutex
	sessionID string
	backend   string
	seq       uint64
	now       func() time.Time
}

// NewParser creates a parser for one session. backend tags events that do
// not carry their own backend identifier.
func NewParser(sessionID, backend string) *Parser {
	return &Parser{
		sessionID: sessionID,
		backend:   backend,
		now:       time.Now,
	}
}

// ParseLine converts one raw line into a progress event. The second return
// is false when the line produces no event (blank input or a suppressed
// record type).
func (p *Parser) ParseLine(line string) (domain.ProgressEvent, bool) {
	if strings.TrimSpace(line) == "" {
		return domain.ProgressEvent{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m := tagLinePattern.FindStringSubmatch(line); m != nil {
		return p.parseTagLineLocked(m), true
	}

	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		if ev, ok, produced := p.parseJSONRecordLocked(line); ok {
			return ev, produced
		}
	}

	return p.parseFreeTextLocked(line), true
}

// Reset restarts the sequence counter. Events emitted before and after a
// reset must not be mixed in one ordered stream.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = 0
}

// Seq returns the current sequence counter value.
func (p *Parser) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// parseTagLineLocked handles "<backend> #<n>: <kind> => <content>".
// The line's own sequence number becomes the event Seq; the internal
// counter advances to keep subsequent events monotonic.
func (p *Parser) parseTagLineLocked(m []string) domain.ProgressEvent {
	n, _ := strconv.ParseUint(m[2], 10, 64)
	if n > p.seq {
		p.seq = n
	} else {
		p.seq++
	}

	kind, ok := kindMap[strings.ToLower(m[3])]
	if !ok {
		kind = domain.KindInfo
	}

	return domain.ProgressEvent{
		SessionID: p.sessionID,
		Timestamp: p.now(),
		Kind:      kind,
		Content:   m[4], // verbatim, no trimming
		Backend:   m[1],
		Seq:       n,
	}
}

// jsonRecord is the subset of the stream-json record shapes the parser
// recognizes.
type jsonRecord struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Msg struct {
		Type string `json:"type"`
	} `json:"msg"`
}

// parseJSONRecordLocked handles one-JSON-object-per-line records.
// Returns (event, handled, produced): handled=false falls through to the
// free-text heuristics, produced=false drops the line silently.
func (p *Parser) parseJSONRecordLocked(line string) (domain.ProgressEvent, bool, bool) {
	var rec jsonRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return domain.ProgressEvent{}, false, false
	}

	recType := rec.Type
	if recType == "" {
		recType = rec.Msg.Type
	}
	if suppressedRecordTypes[recType] {
		return domain.ProgressEvent{}, true, false
	}

	switch recType {
	case "assistant":
		for _, item := range rec.Message.Content {
			switch item.Type {
			case "text":
				return p.eventLocked(domain.KindThinking, item.Text, nil), true, true
			case "tool_use":
				return p.eventLocked(domain.KindToolStart, item.Name,
					map[string]string{domain.MetaToolName: item.Name}), true, true
			}
		}
		return p.eventLocked(domain.KindThinking, "", nil), true, true

	case "result":
		if rec.IsError {
			return p.eventLocked(domain.KindError, rec.Result,
				map[string]string{domain.MetaResultError: "true"}), true, true
		}
		return p.eventLocked(domain.KindToolResult, rec.Result, nil), true, true

	case "":
		// JSON without a type field: not a recognized record.
		return domain.ProgressEvent{}, false, false

	default:
		return p.eventLocked(domain.KindInfo, line, nil), true, true
	}
}

// parseFreeTextLocked applies the heuristic table to unstructured lines.
func (p *Parser) parseFreeTextLocked(line string) domain.ProgressEvent {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "rate limit") {
		return p.eventLocked(domain.KindError, line,
			map[string]string{domain.MetaRateLimited: "true"})
	}
	for _, marker := range toolMarkers {
		if strings.Contains(lower, marker) {
			return p.eventLocked(domain.KindToolStart, line, nil)
		}
	}
	return p.eventLocked(domain.KindInfo, line, nil)
}

func (p *Parser) eventLocked(kind domain.EventKind, content string, meta map[string]string) domain.ProgressEvent {
	p.seq++
	return domain.ProgressEvent{
		SessionID: p.sessionID,
		Timestamp: p.now(),
		Kind:      kind,
		Content:   content,
		Backend:   p.backend,
		Seq:       p.seq,
		Meta:      meta,
	}
}
