package backend

import (
	"encoding/json"
	"strings"
)

// Message types sent in Payload.Type.
const (
	TypeText  = "text"
	TypeImage = "image"
)

// FallbackReply is sent when the backend answers without reply or output.
const FallbackReply = "🤖 No response generated."

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Language  string `json:"language"`
	IsGroup   bool   `json:"isGroup"`
	Confirmed *bool  `json:"confirmed,omitempty"`
}

// BuildPayload assembles a webhook request. confirmed is only set on
// follow-ups to an accepted confirmation.
func BuildPayload(text, msgType, language string, isGroup, confirmed bool) Payload {
	if msgType == "" {
		msgType = TypeText
	}
	p := Payload{Message: text, Type: msgType, Language: language, IsGroup: isGroup}
	if confirmed {
		t := true
		p.Confirmed = &t
	}
	return p
}

// Response is the parsed webhook answer.
type Response struct {
	Reply  string `json:"reply,omitempty"`
	Output string `json:"output,omitempty"`
}

// ParseResponse decodes a webhook body. Bodies that are not a JSON object are
// treated as a literal reply; an empty body yields an empty Response.
func ParseResponse(raw []byte) Response {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Response{}
	}
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{Reply: string(raw)}
	}
	return r
}

// Text returns reply, then output, then FallbackReply.
func (r Response) Text() string {
	if r.Reply != "" {
		return r.Reply
	}
	if r.Output != "" {
		return r.Output
	}
	return FallbackReply
}
