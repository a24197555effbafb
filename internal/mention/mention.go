// Package mention extracts (id, sender, content) from the heterogeneous
// result of the remote "messages" tool: a tagged-variant decode over the
// shapes mark3labs/mcp-go's mcp.CallToolResult can take — a structured
// "messages" array, a structured "events" array, or free-form text carrying
// "[id:...]" tags and "• sender: @mention body" lines.
package mention

import (
	"encoding/json"
	"regexp"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Mention is a single inbound message addressed to an agent.
type Mention struct {
	ID      string
	Sender  string
	Content string
}

// RawMessage is one entry of a structured "messages" or "events" array.
// Field names follow the remote tool's JSON payload.
type RawMessage struct {
	ID         string `json:"id"`
	SenderName string `json:"sender_name"`
	Sender     string `json:"sender"`
	Content    string `json:"content"`
}

func (m RawMessage) senderName() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.Sender
}

// Result is the decoded shape of a "messages" tool call, after JSON
// unmarshalling the structured branch of mcp.CallToolResult. Exactly one of
// Messages/Events/Text is expected to be populated — Parse tries them in
// that order.
type Result struct {
	Messages []RawMessage `json:"messages"`
	Events   []RawMessage `json:"events"`
	Text     string       `json:"-"`
}

var (
	statusNoise    = []string{"WAIT SUCCESS", "No mentions"}
	idTagPattern   = regexp.MustCompile(`\[id:([a-f0-9-]+)\]`)
	mentionLinePat = regexp.MustCompile(`• ([^:]+): (@\S+)\s+(.+)`)
)

// mentionPattern builds the direct-mention regex for agent, matching
// "(^|whitespace)@agent(whitespace|$)" so references embedded in running
// prose (no leading boundary) don't count.
func mentionPattern(agent string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[\s\n])@` + regexp.QuoteMeta(agent) + `(?:[\s\n]|$)`)
}

// Parse decodes a "messages" tool result looking for the first entry that
// directly mentions agent. Any panic during parsing (malformed payload) is
// recovered and reported as "no relevant mention".
func Parse(result Result, agent string) (m Mention, ok bool) {
	defer func() {
		if recover() != nil {
			m, ok = Mention{}, false
		}
	}()

	if len(result.Messages) > 0 {
		return parseStructured(result.Messages, agent)
	}
	if len(result.Events) > 0 {
		first := result.Events[0]
		return Mention{ID: first.ID, Sender: first.senderName(), Content: first.Content}, true
	}
	if result.Text != "" {
		return parseText(result.Text, agent)
	}
	return Mention{}, false
}

func parseStructured(messages []RawMessage, agent string) (Mention, bool) {
	pattern := mentionPattern(agent)
	for _, msg := range messages {
		if !pattern.MatchString(msg.Content) {
			continue
		}
		sender := msg.senderName()
		if sender == agent {
			continue // self-mention
		}
		return Mention{ID: msg.ID, Sender: sender, Content: msg.Content}, true
	}
	return Mention{}, false
}

func parseText(text string, agent string) (Mention, bool) {
	for _, noise := range statusNoise {
		if strings.Contains(text, noise) {
			return Mention{}, false
		}
	}

	idMatch := idTagPattern.FindStringSubmatch(text)
	if idMatch == nil {
		return Mention{}, false
	}

	lineMatch := mentionLinePat.FindStringSubmatch(text)
	if lineMatch == nil {
		return Mention{}, false
	}

	if !strings.Contains(text, "@"+agent) {
		return Mention{}, false
	}

	sender := strings.TrimSpace(lineMatch[1])
	if sender == agent {
		return Mention{}, false
	}

	return Mention{ID: idMatch[1], Sender: sender, Content: text}, true
}

// DecodeResult attempts to interpret raw JSON (as returned in a
// mcp.CallToolResult's StructuredContent, or a text content block) as a
// Result. If raw doesn't parse as the structured shape, it is kept as free
// text for the text-fallback branch.
func DecodeResult(raw json.RawMessage, fallbackText string) Result {
	var structured Result
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &structured); err == nil && (len(structured.Messages) > 0 || len(structured.Events) > 0) {
			return structured
		}
	}
	return Result{Text: fallbackText}
}

// FromToolResult extracts the first text content block of a "messages" tool
// call result and parses it for a direct mention of agent. The text block
// is tried first as the JSON-structured messages/events shape, falling back
// to the "[id:...]" tagged free-text format.
func FromToolResult(result *mcpgo.CallToolResult, agent string) (Mention, bool) {
	if result == nil {
		return Mention{}, false
	}

	var text string
	for _, c := range result.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			text = tc.Text
			break
		}
	}
	if text == "" {
		return Mention{}, false
	}

	decoded := DecodeResult(json.RawMessage(text), text)
	return Parse(decoded, agent)
}
