// Package dispatch turns inbound chat messages into backend queries and
// replies.
//
// Each accepted message becomes a task on the conversation's FIFO chain, so a
// conversation sees its replies in the order it asked. A task always ends
// with exactly one outbound text: the backend reply or a fixed notice.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/wabridge/internal/backend"
	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/confirm"
	"github.com/nextlevelbuilder/wabridge/internal/ocr"
	"github.com/nextlevelbuilder/wabridge/internal/queue"
	"github.com/nextlevelbuilder/wabridge/internal/trigger"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wabridge/internal/dispatch")

// Sender delivers text and presence updates to a conversation.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
	SetPresence(ctx context.Context, chatID, state string) error
}

// Backend answers queries.
type Backend interface {
	Query(ctx context.Context, p backend.Payload) (backend.Response, error)
}

// Options configures an Engine.
type Options struct {
	Rules           trigger.Rules
	Notices         config.MessagesConfig // empty fields take the defaults
	Confirmations   confirm.Store         // nil = in-memory
	ConfirmationTTL time.Duration         // 0 = pending questions never expire
	OCR             ocr.Extractor         // nil = images fall back to their caption
}

// Engine routes inbound messages through trigger filtering, the confirmation
// dialogue and the per-conversation queue.
type Engine struct {
	sender  Sender
	backend Backend
	ocr     ocr.Extractor
	queue   *queue.Queue
	confirm *confirm.Machine

	mu      sync.RWMutex
	trigger *trigger.Engine
	notices config.MessagesConfig
}

// New creates an Engine. Call Shutdown to drain queued work.
func New(sender Sender, b Backend, opts Options) *Engine {
	store := opts.Confirmations
	if store == nil {
		store = confirm.NewMemoryStore()
	}
	return &Engine{
		sender:  sender,
		backend: b,
		ocr:     opts.OCR,
		queue:   queue.New(),
		confirm: confirm.NewMachine(store, confirm.WithTTL(opts.ConfirmationTTL)),
		trigger: trigger.New(opts.Rules),
		notices: withDefaults(opts.Notices),
	}
}

// SetRules swaps the trigger rules. Used on config reload.
func (e *Engine) SetRules(r trigger.Rules) {
	t := trigger.New(r)
	e.mu.Lock()
	e.trigger = t
	e.mu.Unlock()
}

// SetNotices swaps the notice texts. Used on config reload.
func (e *Engine) SetNotices(n config.MessagesConfig) {
	n = withDefaults(n)
	e.mu.Lock()
	e.notices = n
	e.mu.Unlock()
}

// Busy reports whether chatID has queued or running work.
func (e *Engine) Busy(chatID string) bool { return e.queue.IsBusy(chatID) }

// ActiveConversations returns the number of conversations with queued work.
func (e *Engine) ActiveConversations() int { return e.queue.Active() }

// Shutdown stops accepting messages and drains queued work until ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.queue.Shutdown(ctx)
}

// HandleMessage is the session handler entry point.
func (e *Engine) HandleMessage(msg bus.InboundMessage) {
	e.Handle(context.Background(), msg)
}

// Handle processes one inbound message. It returns the handle of the queued
// task, or nil when the message was skipped.
func (e *Engine) Handle(ctx context.Context, msg bus.InboundMessage) *queue.Handle {
	e.mu.RLock()
	trg, notices := e.trigger, e.notices
	e.mu.RUnlock()

	d := trg.Evaluate(msg)
	if !d.Accept {
		slog.Debug("dispatch: message skipped", "chat_id", msg.ChatID, "reason", d.Reason)
		return nil
	}

	q := query{
		chatID:  msg.ChatID,
		text:    d.Text,
		isGroup: msg.IsGroup,
		image:   msg.Attachment,
	}

	// Only text answers a pending confirmation; images are always new queries.
	if !msg.HasImage() {
		res, err := e.confirm.Resolve(ctx, msg.ChatID, d.Text)
		if err != nil {
			slog.Warn("dispatch: confirmation lookup failed, treating as new query", "chat_id", msg.ChatID, "error", err)
		}
		switch res.Action {
		case confirm.ActionConfirm:
			slog.Info("dispatch: confirmation accepted", "chat_id", msg.ChatID)
			q.text = res.OriginalQuestion
			q.confirmed = true
		case confirm.ActionCancel:
			slog.Info("dispatch: confirmation declined", "chat_id", msg.ChatID)
			return e.enqueueNotice(msg.ChatID, notices.Cancelled)
		case confirm.ActionReprompt:
			return e.enqueueNotice(msg.ChatID, notices.Reprompt)
		default:
			if res.Superseded {
				slog.Debug("dispatch: pending confirmation superseded", "chat_id", msg.ChatID)
			}
		}
	}

	if e.queue.IsBusy(msg.ChatID) {
		if err := e.sender.SendText(ctx, msg.ChatID, notices.Busy); err != nil {
			slog.Warn("dispatch: busy notice not sent", "chat_id", msg.ChatID, "error", err)
		}
	}

	return e.queue.Enqueue(msg.ChatID, func(ctx context.Context) error {
		return e.run(ctx, q)
	})
}

// query is one unit of backend work.
type query struct {
	chatID    string
	text      string // cleaned text, caption for images, original question when confirmed
	isGroup   bool
	confirmed bool
	image     []byte
}

func (e *Engine) enqueueNotice(chatID, text string) *queue.Handle {
	return e.queue.Enqueue(chatID, func(ctx context.Context) error {
		if err := e.sender.SendText(ctx, chatID, text); err != nil {
			return fmt.Errorf("send notice: %w", err)
		}
		return nil
	})
}

func (e *Engine) run(ctx context.Context, q query) error {
	ctx, span := tracer.Start(ctx, "dispatch.query", trace.WithAttributes(
		attribute.String("chat.id", q.chatID),
		attribute.Bool("chat.is_group", q.isGroup),
		attribute.Bool("message.confirmed", q.confirmed),
		attribute.Bool("message.image", len(q.image) > 0),
	))
	defer span.End()

	err := e.process(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) process(ctx context.Context, q query) error {
	e.mu.RLock()
	notices := e.notices
	e.mu.RUnlock()

	e.setPresence(ctx, q.chatID, protocol.PresenceComposing)
	defer e.setPresence(ctx, q.chatID, protocol.PresencePaused)

	text, msgType := q.text, backend.TypeText
	if len(q.image) > 0 {
		msgType = backend.TypeImage
		extracted, err := e.extractText(ctx, q.image)
		switch {
		case extracted != "":
			text = extracted
		case err == nil && q.text != "":
			// Nothing recognised; the caption is all we have.
		default:
			if err != nil {
				slog.Warn("dispatch: image text extraction failed", "chat_id", q.chatID, "error", err)
			}
			return e.reply(ctx, q.chatID, notices.ImageUnreadable)
		}
	}

	lang := trigger.DetectLanguage(text)
	resp, err := e.backend.Query(ctx, backend.BuildPayload(text, msgType, lang, q.isGroup, q.confirmed))
	if err != nil {
		slog.Error("dispatch: backend query failed", "chat_id", q.chatID, "error", err)
		if sendErr := e.reply(ctx, q.chatID, notices.Error); sendErr != nil {
			return sendErr
		}
		return fmt.Errorf("backend query: %w", err)
	}

	var reply string
	if resp.Reply != "" || resp.Output != "" {
		reply = backend.SanitizeReply(resp.Text())
	}
	if reply == "" {
		reply = notices.NoResponse
	}
	if err := e.reply(ctx, q.chatID, reply); err != nil {
		return err
	}

	if ok, err := e.confirm.Observe(ctx, q.chatID, text, reply); err != nil {
		slog.Warn("dispatch: pending confirmation not saved", "chat_id", q.chatID, "error", err)
	} else if ok {
		slog.Debug("dispatch: awaiting confirmation", "chat_id", q.chatID)
	}
	return nil
}

func (e *Engine) extractText(ctx context.Context, image []byte) (string, error) {
	if e.ocr == nil {
		return "", nil
	}
	return e.ocr.ExtractText(ctx, image)
}

func (e *Engine) reply(ctx context.Context, chatID, text string) error {
	if err := e.sender.SendText(ctx, chatID, text); err != nil {
		slog.Warn("dispatch: reply not sent", "chat_id", chatID, "error", err)
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func withDefaults(n config.MessagesConfig) config.MessagesConfig {
	set := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	set(&n.NoResponse, config.DefaultNoResponse)
	set(&n.Error, config.DefaultError)
	set(&n.ImageUnreadable, config.DefaultImageUnreadable)
	set(&n.Busy, config.DefaultBusy)
	set(&n.Cancelled, config.DefaultCancelled)
	set(&n.Reprompt, config.DefaultReprompt)
	return n
}

// setPresence is best effort.
func (e *Engine) setPresence(ctx context.Context, chatID, state string) {
	if err := e.sender.SetPresence(ctx, chatID, state); err != nil {
		slog.Debug("dispatch: presence update failed", "chat_id", chatID, "state", state, "error", err)
	}
}
