package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/wabridge/internal/backend"
	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/queue"
	"github.com/nextlevelbuilder/wabridge/internal/trigger"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	presence []string
	err      error
}

func (s *fakeSender) SendText(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSender) SetPresence(_ context.Context, _ string, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, state)
	return nil
}

func (s *fakeSender) presenceStates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.presence...)
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeBackend struct {
	mu       sync.Mutex
	payloads []backend.Payload
	answer   func(p backend.Payload) (backend.Response, error)
}

func (b *fakeBackend) Query(_ context.Context, p backend.Payload) (backend.Response, error) {
	b.mu.Lock()
	b.payloads = append(b.payloads, p)
	answer := b.answer
	b.mu.Unlock()
	if answer == nil {
		return backend.Response{Reply: "echo: " + p.Message}, nil
	}
	return answer(p)
}

func (b *fakeBackend) calls() []backend.Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Payload(nil), b.payloads...)
}

type fakeOCR struct {
	text string
	err  error
}

func (o fakeOCR) ExtractText(context.Context, []byte) (string, error) { return o.text, o.err }

var testRules = trigger.Rules{
	BotNames:        []string{"yesbank bot", "yes bank bot"},
	NumberFallbacks: []string{"65559051915364"},
	CommandPrefixes: []string{"/bot", "!bot"},
}

func newTestEngine(t *testing.T, b *fakeBackend, opts Options) (*Engine, *fakeSender) {
	t.Helper()
	if opts.Rules.BotNames == nil {
		opts.Rules = testRules
	}
	s := &fakeSender{}
	e := New(s, b, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, s
}

func direct(text string) bus.InboundMessage {
	return bus.InboundMessage{ChatID: "919999@s.whatsapp.net", SenderID: "919999@s.whatsapp.net", Content: text}
}

func handle(t *testing.T, e *Engine, msg bus.InboundMessage) error {
	t.Helper()
	h := e.Handle(context.Background(), msg)
	if h == nil {
		t.Fatalf("message %q was skipped", msg.Content)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestHandle_SkipsUntriggeredGroupMessage(t *testing.T) {
	b := &fakeBackend{}
	e, s := newTestEngine(t, b, Options{})

	h := e.Handle(context.Background(), bus.InboundMessage{ChatID: "120@g.us", IsGroup: true, Content: "hello everyone"})
	if h != nil {
		t.Fatal("untriggered group message was queued")
	}
	if len(b.calls()) != 0 || len(s.texts()) != 0 {
		t.Errorf("skip produced side effects: calls=%v sent=%v", b.calls(), s.texts())
	}
}

func TestHandle_GroupMention(t *testing.T) {
	b := &fakeBackend{}
	e, s := newTestEngine(t, b, Options{})

	err := handle(t, e, bus.InboundMessage{ChatID: "120@g.us", IsGroup: true, Content: "@yesbank bot hi"})
	if err != nil {
		t.Fatal(err)
	}
	want := []backend.Payload{{Message: "hi", Type: backend.TypeText, Language: "en", IsGroup: true}}
	if diff := cmp.Diff(want, b.calls()); diff != "" {
		t.Errorf("payloads (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"echo: hi"}, s.texts()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestHandle_DirectHindi(t *testing.T) {
	b := &fakeBackend{}
	e, _ := newTestEngine(t, b, Options{})

	if err := handle(t, e, direct("नमस्ते")); err != nil {
		t.Fatal(err)
	}
	if got := b.calls()[0].Language; got != "hi" {
		t.Errorf("language = %q, want hi", got)
	}
}

func confirmingBackend() *fakeBackend {
	return &fakeBackend{answer: func(p backend.Payload) (backend.Response, error) {
		if p.Message == "refund status" && p.Confirmed == nil {
			return backend.Response{Reply: "Would you like me to raise a refund request?"}, nil
		}
		return backend.Response{Reply: "done: " + p.Message}, nil
	}}
}

func TestConfirmation_Affirmative(t *testing.T) {
	b := confirmingBackend()
	e, s := newTestEngine(t, b, Options{})

	if err := handle(t, e, direct("refund status")); err != nil {
		t.Fatal(err)
	}
	if err := handle(t, e, direct("yes")); err != nil {
		t.Fatal(err)
	}

	calls := b.calls()
	if len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(calls))
	}
	follow := calls[1]
	if follow.Message != "refund status" || follow.Confirmed == nil || !*follow.Confirmed {
		t.Errorf("follow-up payload = %+v", follow)
	}
	want := []string{"Would you like me to raise a refund request?", "done: refund status"}
	if diff := cmp.Diff(want, s.texts()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestConfirmation_UnrelatedQuerySupersedes(t *testing.T) {
	b := confirmingBackend()
	e, _ := newTestEngine(t, b, Options{})

	handle(t, e, direct("refund status"))
	if err := handle(t, e, direct("nope")); err != nil {
		t.Fatal(err)
	}
	calls := b.calls()
	if len(calls) != 2 || calls[1].Message != "nope" || calls[1].Confirmed != nil {
		t.Fatalf("calls = %+v", calls)
	}

	// Pending state is gone: a later "yes" is an ordinary query.
	handle(t, e, direct("yes"))
	if last := b.calls()[2]; last.Message != "yes" || last.Confirmed != nil {
		t.Errorf("after supersede, yes dispatched as %+v", last)
	}
}

func TestConfirmation_Negative(t *testing.T) {
	b := confirmingBackend()
	e, s := newTestEngine(t, b, Options{})

	handle(t, e, direct("refund status"))
	if err := handle(t, e, direct("nahi")); err != nil {
		t.Fatal(err)
	}
	if n := len(b.calls()); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
	texts := s.texts()
	if texts[len(texts)-1] != config.DefaultCancelled {
		t.Errorf("last sent = %q, want cancellation notice", texts[len(texts)-1])
	}
}

func TestConfirmation_ShortAmbiguousReprompts(t *testing.T) {
	b := confirmingBackend()
	e, s := newTestEngine(t, b, Options{})

	handle(t, e, direct("refund status"))
	if err := handle(t, e, direct("hm?")); err != nil {
		t.Fatal(err)
	}
	texts := s.texts()
	if texts[len(texts)-1] != config.DefaultReprompt {
		t.Errorf("last sent = %q, want reprompt", texts[len(texts)-1])
	}
	if n := len(b.calls()); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}

	// Still pending.
	handle(t, e, direct("ok"))
	if last := b.calls()[1]; last.Message != "refund status" || last.Confirmed == nil {
		t.Errorf("confirmation lost after reprompt: %+v", last)
	}
}

func TestBackendFailure_NoticeAndChainContinues(t *testing.T) {
	b := &fakeBackend{answer: func(p backend.Payload) (backend.Response, error) {
		if p.Message == "boom" {
			return backend.Response{}, &backend.StatusError{StatusCode: 500}
		}
		return backend.Response{Reply: "ok " + p.Message}, nil
	}}
	e, s := newTestEngine(t, b, Options{})

	err := handle(t, e, direct("boom"))
	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Errorf("task err = %v, want StatusError", err)
	}
	if err := handle(t, e, direct("next")); err != nil {
		t.Fatal(err)
	}
	want := []string{config.DefaultError, "ok next"}
	if diff := cmp.Diff(want, s.texts()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestEmptyReplyUsesNoResponseNotice(t *testing.T) {
	b := &fakeBackend{answer: func(backend.Payload) (backend.Response, error) {
		return backend.Response{}, nil
	}}
	e, s := newTestEngine(t, b, Options{Notices: config.MessagesConfig{NoResponse: "nothing"}})

	handle(t, e, direct("hello"))
	if diff := cmp.Diff([]string{"nothing"}, s.texts()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestReplySanitized(t *testing.T) {
	b := &fakeBackend{answer: func(p backend.Payload) (backend.Response, error) {
		if p.Message == "silent" {
			return backend.Response{Reply: "<think>nothing useful</think>"}, nil
		}
		return backend.Response{Output: "<think>lookup</think>\nYour balance is 42."}, nil
	}}
	e, s := newTestEngine(t, b, Options{})

	handle(t, e, direct("balance"))
	handle(t, e, direct("silent"))
	want := []string{"Your balance is 42.", config.DefaultNoResponse}
	if diff := cmp.Diff(want, s.texts()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestPresenceAroundReply(t *testing.T) {
	b := &fakeBackend{}
	e, s := newTestEngine(t, b, Options{})

	handle(t, e, direct("hello"))
	want := []string{protocol.PresenceComposing, protocol.PresencePaused}
	if diff := cmp.Diff(want, s.presenceStates()); diff != "" {
		t.Errorf("presence (-want +got):\n%s", diff)
	}
}

func TestBusyNoticeAndOrdering(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	b := &fakeBackend{answer: func(p backend.Payload) (backend.Response, error) {
		started <- struct{}{}
		if p.Message == "first" {
			<-release
		}
		return backend.Response{Reply: p.Message}, nil
	}}
	e, s := newTestEngine(t, b, Options{})

	h1 := e.Handle(context.Background(), direct("first"))
	<-started
	if !e.Busy(direct("").ChatID) {
		t.Fatal("conversation not busy while a task runs")
	}
	h2 := e.Handle(context.Background(), direct("second"))

	if diff := cmp.Diff([]string{config.DefaultBusy}, s.texts()); diff != "" {
		t.Errorf("before release (-want +got):\n%s", diff)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, h := range []*queue.Handle{h1, h2} {
		if err := h.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{config.DefaultBusy, "first", "second"}
	if diff := cmp.Diff(want, s.texts()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestImageMessages(t *testing.T) {
	img := []byte{0xff, 0xd8, 0xff}

	tests := []struct {
		name        string
		ocr         fakeOCR
		caption     string
		wantMessage string // "" = no backend call
		wantSent    string
	}{
		{"ocr text", fakeOCR{text: "Account 1234"}, "", "Account 1234", "echo: Account 1234"},
		{"ocr text wins over caption", fakeOCR{text: "Account 1234"}, "see this", "Account 1234", "echo: Account 1234"},
		{"empty ocr falls back to caption", fakeOCR{}, "see this", "see this", "echo: see this"},
		{"empty ocr without caption", fakeOCR{}, "", "", config.DefaultImageUnreadable},
		{"ocr error", fakeOCR{err: errors.New("proxy down")}, "see this", "", config.DefaultImageUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			e, s := newTestEngine(t, b, Options{OCR: tt.ocr})

			msg := direct(tt.caption)
			msg.Attachment = img
			if err := handle(t, e, msg); err != nil {
				t.Fatal(err)
			}

			calls := b.calls()
			if tt.wantMessage == "" {
				if len(calls) != 0 {
					t.Errorf("unexpected backend call: %+v", calls)
				}
			} else if len(calls) != 1 || calls[0].Message != tt.wantMessage || calls[0].Type != backend.TypeImage {
				t.Errorf("calls = %+v", calls)
			}
			if diff := cmp.Diff([]string{tt.wantSent}, s.texts()); diff != "" {
				t.Errorf("sent (-want +got):\n%s", diff)
			}
		})
	}
}

func TestImageTriggerUsesCaption(t *testing.T) {
	img := []byte{0xff, 0xd8, 0xff}
	b := &fakeBackend{}
	e, _ := newTestEngine(t, b, Options{OCR: fakeOCR{text: "शेष राशि 1234"}})

	untriggered := bus.InboundMessage{ChatID: "120@g.us", IsGroup: true, Content: "look", Attachment: img}
	if h := e.Handle(context.Background(), untriggered); h != nil {
		t.Fatal("group image without a triggering caption was accepted")
	}

	msg := bus.InboundMessage{ChatID: "120@g.us", IsGroup: true, Content: "@yesbank bot check this", Attachment: img}
	if err := handle(t, e, msg); err != nil {
		t.Fatal(err)
	}
	calls := b.calls()
	if len(calls) != 1 || calls[0].Message != "शेष राशि 1234" || calls[0].Language != trigger.LangHindi {
		t.Errorf("calls = %+v, want OCR text tagged %q", calls, trigger.LangHindi)
	}
}

func TestSetRules(t *testing.T) {
	b := &fakeBackend{}
	e, _ := newTestEngine(t, b, Options{})
	msg := bus.InboundMessage{ChatID: "120@g.us", IsGroup: true, Content: "@helper hi"}

	if h := e.Handle(context.Background(), msg); h != nil {
		t.Fatal("accepted before rules changed")
	}
	e.SetRules(trigger.Rules{BotNames: []string{"helper"}})
	if err := handle(t, e, msg); err != nil {
		t.Fatal(err)
	}
	if calls := b.calls(); len(calls) != 1 || calls[0].Message != "hi" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSendFailureSurfaces(t *testing.T) {
	b := &fakeBackend{}
	e, s := newTestEngine(t, b, Options{})
	s.err = errors.New("socket gone")

	if err := handle(t, e, direct("hello")); err == nil {
		t.Fatal("send failure not reported by task")
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	b := &fakeBackend{}
	e, _ := newTestEngine(t, b, Options{})

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	h := e.Handle(context.Background(), direct("late"))
	if err := h.Wait(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
