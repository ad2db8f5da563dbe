package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/backend"
	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/dispatch"
)

type nopSender struct{}

func (nopSender) SendText(context.Context, string, string) error    { return nil }
func (nopSender) SetPresence(context.Context, string, string) error { return nil }

type nopBackend struct{}

func (nopBackend) Query(context.Context, backend.Payload) (backend.Response, error) {
	return backend.Response{Reply: "ok"}, nil
}

func TestConfigReloadAppliesTriggers(t *testing.T) {
	cfg := config.Default()
	engine := dispatch.New(nopSender{}, nopBackend{}, dispatch.Options{Rules: triggerRules(cfg.TriggerRules())})
	defer engine.Shutdown(context.Background())

	group := bus.InboundMessage{ChatID: "1203@g.us", IsGroup: true, Content: "@yesbank bot balance?"}
	if h := engine.Handle(context.Background(), group); h != nil {
		t.Fatal("group mention accepted before bot name configured")
	}

	next := config.Default()
	next.Triggers.BotNames = config.FlexibleStringSlice{"yesbank bot"}
	makeConfigReloadHandler(cfg, engine)(next)

	h := engine.Handle(context.Background(), group)
	if h == nil {
		t.Fatal("group mention skipped after reload")
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := cfg.TriggerRules().BotNames; len(got) != 1 || got[0] != "yesbank bot" {
		t.Errorf("config not replaced: %v", got)
	}
}

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (p *fakePurger) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return 1, nil
}

func TestConfirmationPurgerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runConfirmationPurger(ctx, &fakePurger{}, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purger did not stop")
	}
}

func TestOpenConfirmationStore(t *testing.T) {
	s, closeFn, err := openConfirmationStore(config.ConfirmationsConfig{Storage: "memory"})
	if err != nil || s == nil {
		t.Fatalf("memory store: %v", err)
	}
	closeFn()

	s, closeFn, err = openConfirmationStore(config.ConfirmationsConfig{Storage: "sqlite", Path: t.TempDir() + "/c.db"})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer closeFn()
	if _, ok := s.(confirmationPurger); !ok {
		t.Error("sqlite store does not support purge")
	}
}
