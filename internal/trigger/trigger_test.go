package trigger

import (
	"testing"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

func testEngine() *Engine {
	return New(Rules{
		BotNames:        []string{"yesbank bot", "yes bank bot", "ai response"},
		NumberFallbacks: []string{"65559051915364"},
		CommandPrefixes: []string{"/bot", "!bot"},
	})
}

func TestEvaluate_Group(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name       string
		body       string
		wantAccept bool
		wantText   string
		wantReason string
	}{
		{"no mention", "hello everyone", false, "", ReasonNotMentioned},
		{"bot name mention", "@yesbank bot hi", true, "hi", ""},
		{"mention case-insensitive", "@YesBank Bot what is my balance", true, "what is my balance", ""},
		{"alternate name", "hey @yes bank bot help", true, "hey  help", ""},
		{"number mention", "@65559051915364 status please", true, "status please", ""},
		{"command prefix", "/bot refund status", true, "refund status", ""},
		{"command prefix upper", "!BOT hello", true, "hello", ""},
		{"other mentions stripped", "@yesbank bot ask @alice about it", true, "ask  about it", ""},
		{"mention only", "@yesbank bot", false, "", ReasonNoText},
		{"command only", "/bot   ", false, "", ReasonNoText},
		{"command not at start", "please /bot help", false, "", ReasonNotMentioned},
		{"name inside longer word", "@yesbank botanist hi", false, "", ReasonNotMentioned},
		{"number inside longer number", "@655590519153649 hi", false, "", ReasonNotMentioned},
		{"name before punctuation", "thanks @yesbank bot!", true, "thanks !", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(bus.InboundMessage{ChatID: "123@g.us", IsGroup: true, Content: tt.body})
			if d.Accept != tt.wantAccept {
				t.Fatalf("Accept = %v, want %v (decision %+v)", d.Accept, tt.wantAccept, d)
			}
			if d.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", d.Text, tt.wantText)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluate_Direct(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name       string
		body       string
		wantAccept bool
		wantText   string
	}{
		{"plain text", "hello", true, "hello"},
		{"mentions ignored for eligibility", "@someone what's up", true, "what's up"},
		{"command stripped", "/bot hi", true, "hi"},
		{"name prefix of longer word kept", "@yesbank botanist hi", true, "botanist hi"},
		{"only a mention", "@someone", false, ""},
		{"whitespace", "   ", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(bus.InboundMessage{ChatID: "91855@s.whatsapp.net", Content: tt.body})
			if d.Accept != tt.wantAccept {
				t.Fatalf("Accept = %v, want %v (decision %+v)", d.Accept, tt.wantAccept, d)
			}
			if d.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", d.Text, tt.wantText)
			}
		})
	}
}

func TestEvaluate_SelfAndEmpty(t *testing.T) {
	e := testEngine()

	if d := e.Evaluate(bus.InboundMessage{Content: "hello", FromSelf: true}); d.Accept || d.Reason != ReasonSelf {
		t.Errorf("self message: %+v", d)
	}
	if d := e.Evaluate(bus.InboundMessage{}); d.Accept || d.Reason != ReasonEmpty {
		t.Errorf("empty message: %+v", d)
	}
}

func TestEvaluate_ImageWithoutCaption(t *testing.T) {
	e := testEngine()
	img := []byte{0x89, 'P', 'N', 'G'}

	d := e.Evaluate(bus.InboundMessage{Attachment: img})
	if !d.Accept {
		t.Fatalf("direct image without caption rejected: %+v", d)
	}
	if d.Text != "" {
		t.Errorf("Text = %q, want empty", d.Text)
	}

	// Groups still need a trigger, which an uncaptioned image cannot carry.
	d = e.Evaluate(bus.InboundMessage{IsGroup: true, Attachment: img})
	if d.Accept {
		t.Errorf("group image without trigger accepted: %+v", d)
	}

	d = e.Evaluate(bus.InboundMessage{IsGroup: true, Content: "@yesbank bot", Attachment: img})
	if !d.Accept {
		t.Errorf("group image with mention caption rejected: %+v", d)
	}
}

func TestZeroEngine(t *testing.T) {
	var e Engine
	if d := e.Evaluate(bus.InboundMessage{IsGroup: true, Content: "@anyone hi"}); d.Accept {
		t.Errorf("zero engine accepted group message: %+v", d)
	}
	if d := e.Evaluate(bus.InboundMessage{Content: "hi"}); !d.Accept || d.Text != "hi" {
		t.Errorf("zero engine direct: %+v", d)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"नमस्ते", LangHindi},
		{"hello", LangEnglish},
		{"balance kya hai", LangEnglish},
		{"mera balance बताओ", LangHindi},
		{"", LangEnglish},
	}
	for _, tt := range tests {
		if got := DetectLanguage(tt.text); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
