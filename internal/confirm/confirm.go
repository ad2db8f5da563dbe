// Package confirm tracks yes/no follow-ups per conversation.
//
// When a backend reply reads like a yes/no question ("Would you like me to
// raise a refund request?"), the question that produced it is stored as
// pending. The next message in the same conversation either confirms it,
// cancels it, or replaces it with a new query.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State of a conversation in the confirmation dialogue.
type State int

const (
	StateNone State = iota
	StateAwaiting
)

func (s State) String() string {
	if s == StateAwaiting {
		return "AWAITING_CONFIRMATION"
	}
	return "NONE"
}

// Pending is the question awaiting a yes/no answer.
type Pending struct {
	OriginalQuestion string
	CreatedAt        time.Time
}

// ErrNotFound is returned by stores when no pending entry exists.
var ErrNotFound = errors.New("no pending confirmation")

// Store persists at most one Pending per conversation key.
type Store interface {
	Get(ctx context.Context, chatID string) (Pending, error) // ErrNotFound when absent
	Save(ctx context.Context, chatID string, p Pending) error
	Clear(ctx context.Context, chatID string) error
}

// Action tells the dispatcher what to do with an inbound text.
type Action int

const (
	// ActionDispatch: no confirmation involved, handle as a normal query.
	ActionDispatch Action = iota
	// ActionConfirm: re-send the pending question with confirmed=true.
	ActionConfirm
	// ActionCancel: acknowledge the cancellation, no backend call.
	ActionCancel
	// ActionReprompt: keep waiting, ask the user for yes or no.
	ActionReprompt
)

func (a Action) String() string {
	switch a {
	case ActionConfirm:
		return "confirm"
	case ActionCancel:
		return "cancel"
	case ActionReprompt:
		return "reprompt"
	default:
		return "dispatch"
	}
}

// Resolution is the outcome of Machine.Resolve.
type Resolution struct {
	Action           Action
	OriginalQuestion string // set for ActionConfirm
	Superseded       bool   // a pending question was dropped in favour of a new query
}

var (
	affirmative = map[string]bool{
		"yes": true, "ha": true, "haan": true, "ok": true, "okay": true, "sure": true, "hmm": true,
	}
	negative = map[string]bool{
		"no": true, "nahi": true, "na": true, "cancel": true,
	}
	// Phrases marking a backend reply as a yes/no question.
	questionPhrases = []string{"would you like", "do you want", "should i", "can i"}
)

// minUnrelatedLen is the trimmed length above which a non-answer counts as a new query.
const minUnrelatedLen = 3

// IsConfirmationSeeking reports whether a backend reply asks the user to confirm.
func IsConfirmationSeeking(reply string) bool {
	lower := strings.ToLower(reply)
	for _, p := range questionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsAffirmative reports whether text is a yes-token ("yes", "haan", "ok", ...).
func IsAffirmative(text string) bool {
	return affirmative[strings.ToLower(strings.TrimSpace(text))]
}

// IsNegative reports whether text is a no-token ("no", "nahi", "cancel", ...).
func IsNegative(text string) bool {
	return negative[strings.ToLower(strings.TrimSpace(text))]
}

// Machine runs the per-conversation confirmation dialogue on top of a Store.
type Machine struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithTTL expires pending questions older than d. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(m *Machine) { m.ttl = d }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine backed by store.
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the dialogue state for chatID.
func (m *Machine) State(ctx context.Context, chatID string) (State, error) {
	_, ok, err := m.pending(ctx, chatID)
	if err != nil || !ok {
		return StateNone, err
	}
	return StateAwaiting, nil
}

// Resolve consumes an inbound text for chatID and decides what happens to it.
// Pending state is cleared on confirm, cancel and supersede, and kept on reprompt.
func (m *Machine) Resolve(ctx context.Context, chatID, text string) (Resolution, error) {
	p, ok, err := m.pending(ctx, chatID)
	if err != nil {
		return Resolution{Action: ActionDispatch}, err
	}
	if !ok {
		return Resolution{Action: ActionDispatch}, nil
	}

	switch {
	case IsAffirmative(text):
		if err := m.store.Clear(ctx, chatID); err != nil {
			return Resolution{}, fmt.Errorf("clear pending confirmation: %w", err)
		}
		return Resolution{Action: ActionConfirm, OriginalQuestion: p.OriginalQuestion}, nil

	case IsNegative(text):
		if err := m.store.Clear(ctx, chatID); err != nil {
			return Resolution{}, fmt.Errorf("clear pending confirmation: %w", err)
		}
		return Resolution{Action: ActionCancel}, nil

	case len([]rune(strings.TrimSpace(text))) > minUnrelatedLen:
		if err := m.store.Clear(ctx, chatID); err != nil {
			return Resolution{}, fmt.Errorf("clear pending confirmation: %w", err)
		}
		return Resolution{Action: ActionDispatch, Superseded: true}, nil

	default:
		return Resolution{Action: ActionReprompt}, nil
	}
}

// Observe inspects a backend reply to question and records a pending
// confirmation when the reply asks for one. Reports whether it did.
func (m *Machine) Observe(ctx context.Context, chatID, question, reply string) (bool, error) {
	if !IsConfirmationSeeking(reply) {
		return false, nil
	}
	if err := m.store.Save(ctx, chatID, Pending{OriginalQuestion: question, CreatedAt: m.now()}); err != nil {
		return false, fmt.Errorf("save pending confirmation: %w", err)
	}
	return true, nil
}

func (m *Machine) pending(ctx context.Context, chatID string) (Pending, bool, error) {
	p, err := m.store.Get(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		return Pending{}, false, nil
	}
	if err != nil {
		return Pending{}, false, fmt.Errorf("load pending confirmation: %w", err)
	}
	if m.ttl > 0 && m.now().Sub(p.CreatedAt) > m.ttl {
		if err := m.store.Clear(ctx, chatID); err != nil {
			return Pending{}, false, fmt.Errorf("clear expired confirmation: %w", err)
		}
		return Pending{}, false, nil
	}
	return p, true, nil
}
