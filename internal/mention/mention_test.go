package mention

import (
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStructuredDirectMention(t *testing.T) {
	result := Result{
		Messages: []RawMessage{
			{ID: "1", Sender: "alice", Content: "hey @bob can you look at this"},
		},
	}

	m, ok := Parse(result, "bob")
	require.True(t, ok)
	assert.Equal(t, "1", m.ID)
	assert.Equal(t, "alice", m.Sender)
}

func TestParseStructuredIgnoresEmbeddedMention(t *testing.T) {
	result := Result{
		Messages: []RawMessage{
			{ID: "1", Sender: "alice", Content: "email me at foo@bob.com please"},
		},
	}

	_, ok := Parse(result, "bob")
	assert.False(t, ok)
}

func TestParseStructuredSkipsSelfMention(t *testing.T) {
	result := Result{
		Messages: []RawMessage{
			{ID: "1", Sender: "bob", Content: "@bob reminder to self"},
		},
	}

	_, ok := Parse(result, "bob")
	assert.False(t, ok)
}

func TestParseEventsTakesFirst(t *testing.T) {
	result := Result{
		Events: []RawMessage{
			{ID: "e1", Sender: "alice", Content: "first"},
			{ID: "e2", Sender: "carol", Content: "second"},
		},
	}

	m, ok := Parse(result, "bob")
	require.True(t, ok)
	assert.Equal(t, "e1", m.ID)
}

func TestParseTextTag(t *testing.T) {
	text := "[id:1234abcd-0000-0000-0000-000000000000]\n• alice: @bob please review"

	m, ok := Parse(Result{Text: text}, "bob")
	require.True(t, ok)
	assert.Equal(t, "1234abcd-0000-0000-0000-000000000000", m.ID)
	assert.Equal(t, "alice", m.Sender)
}

func TestParseTextRejectsStatusNoise(t *testing.T) {
	_, ok := Parse(Result{Text: "WAIT SUCCESS"}, "bob")
	assert.False(t, ok)

	_, ok = Parse(Result{Text: "No mentions"}, "bob")
	assert.False(t, ok)
}

func TestParseTextRequiresIDTag(t *testing.T) {
	_, ok := Parse(Result{Text: "• alice: @bob hello"}, "bob")
	assert.False(t, ok)
}

func TestParseEmptyResult(t *testing.T) {
	_, ok := Parse(Result{}, "bob")
	assert.False(t, ok)
}

func TestDecodeResultFallsBackToText(t *testing.T) {
	r := DecodeResult(nil, "[id:x]\n• a: @b hi")
	assert.Equal(t, "[id:x]\n• a: @b hi", r.Text)
}

func TestDecodeResultStructured(t *testing.T) {
	raw := []byte(`{"messages":[{"id":"1","sender":"a","content":"@b hi"}]}`)
	r := DecodeResult(raw, "fallback")
	require.Len(t, r.Messages, 1)
	assert.Equal(t, "1", r.Messages[0].ID)
}

func TestFromToolResultText(t *testing.T) {
	result := &mcpgo.CallToolResult{
		Content: []mcpgo.Content{
			mcpgo.TextContent{Type: "text", Text: "[id:1234abcd-0000-0000-0000-000000000000]\n• alice: @bob please review"},
		},
	}

	m, ok := FromToolResult(result, "bob")
	require.True(t, ok)
	assert.Equal(t, "alice", m.Sender)
}

func TestFromToolResultNil(t *testing.T) {
	_, ok := FromToolResult(nil, "bob")
	assert.False(t, ok)
}
