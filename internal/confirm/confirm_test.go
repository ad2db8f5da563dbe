package confirm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsConfirmationSeeking(t *testing.T) {
	tests := []struct {
		reply string
		want  bool
	}{
		{"Would you like me to raise a refund request?", true},
		{"DO YOU WANT to block the card?", true},
		{"Should I proceed?", true},
		{"Can I help with anything else?", true},
		{"Your balance is 1,200.", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsConfirmationSeeking(tt.reply); got != tt.want {
			t.Errorf("IsConfirmationSeeking(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestTokens(t *testing.T) {
	for _, s := range []string{"yes", "YES", " haan ", "ha", "ok", "Okay", "sure", "hmm"} {
		if !IsAffirmative(s) {
			t.Errorf("IsAffirmative(%q) = false", s)
		}
	}
	for _, s := range []string{"no", "Nahi", "na", "CANCEL"} {
		if !IsNegative(s) {
			t.Errorf("IsNegative(%q) = false", s)
		}
	}
	for _, s := range []string{"yes please", "nope", "y", ""} {
		if IsAffirmative(s) || IsNegative(s) {
			t.Errorf("%q classified as a yes/no token", s)
		}
	}
}

func newMachine(t *testing.T, question string) (*Machine, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	m := NewMachine(st)
	if question != "" {
		ok, err := m.Observe(context.Background(), "c1", question, "Would you like me to raise a refund request?")
		if err != nil || !ok {
			t.Fatalf("Observe = %v, %v", ok, err)
		}
	}
	return m, st
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		pending     string
		text        string
		wantAction  Action
		wantQ       string
		wantSuper   bool
		wantPending bool
	}{
		{"no pending", "", "yes", ActionDispatch, "", false, false},
		{"affirmative", "refund status", "yes", ActionConfirm, "refund status", false, false},
		{"affirmative hindi", "refund status", "haan", ActionConfirm, "refund status", false, false},
		{"negative", "refund status", "nahi", ActionCancel, "", false, false},
		{"unrelated query", "refund status", "nope", ActionDispatch, "", true, false},
		{"long query", "refund status", "what is my balance", ActionDispatch, "", true, false},
		{"short non-answer", "refund status", "hm?", ActionReprompt, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, st := newMachine(t, tt.pending)
			res, err := m.Resolve(ctx, "c1", tt.text)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Errorf("Action = %v, want %v", res.Action, tt.wantAction)
			}
			if res.OriginalQuestion != tt.wantQ {
				t.Errorf("OriginalQuestion = %q, want %q", res.OriginalQuestion, tt.wantQ)
			}
			if res.Superseded != tt.wantSuper {
				t.Errorf("Superseded = %v, want %v", res.Superseded, tt.wantSuper)
			}
			if got := st.Len() == 1; got != tt.wantPending {
				t.Errorf("pending kept = %v, want %v", got, tt.wantPending)
			}
		})
	}
}

func TestObserve_NonQuestionLeavesState(t *testing.T) {
	m, st := newMachine(t, "")
	ok, err := m.Observe(context.Background(), "c1", "balance", "Your balance is 1,200.")
	if err != nil || ok {
		t.Fatalf("Observe = %v, %v", ok, err)
	}
	if st.Len() != 0 {
		t.Errorf("pending saved for a plain answer")
	}
}

func TestObserve_ReplacesPending(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, "refund status")
	if _, err := m.Observe(ctx, "c1", "block card", "Do you want to block the card?"); err != nil {
		t.Fatal(err)
	}
	res, err := m.Resolve(ctx, "c1", "ok")
	if err != nil {
		t.Fatal(err)
	}
	if res.OriginalQuestion != "block card" {
		t.Errorf("OriginalQuestion = %q, want %q", res.OriginalQuestion, "block card")
	}
}

func TestKeysIndependent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, "refund status")

	res, err := m.Resolve(ctx, "c2", "yes")
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionDispatch {
		t.Errorf("other chat resolved as %v", res.Action)
	}
	if s, _ := m.State(ctx, "c1"); s != StateAwaiting {
		t.Errorf("c1 state = %v, want %v", s, StateAwaiting)
	}
}

func TestTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	st := NewMemoryStore()
	m := NewMachine(st, WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	if _, err := m.Observe(ctx, "c1", "refund status", "Should I raise it?"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)

	res, err := m.Resolve(ctx, "c1", "yes")
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionDispatch {
		t.Errorf("expired confirmation resolved as %v", res.Action)
	}
	if st.Len() != 0 {
		t.Errorf("expired entry not cleared")
	}
}

type failingStore struct{ *MemoryStore }

func (*failingStore) Get(context.Context, string) (Pending, error) {
	return Pending{}, errors.New("disk gone")
}

func TestResolve_StoreError(t *testing.T) {
	m := NewMachine(&failingStore{MemoryStore: NewMemoryStore()})
	res, err := m.Resolve(context.Background(), "c1", "yes")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Action != ActionDispatch {
		t.Errorf("Action = %v, want dispatch on store error", res.Action)
	}
}
