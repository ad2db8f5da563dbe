package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/dispatch"
	"github.com/nextlevelbuilder/wabridge/internal/trigger"
)

const minPurgeInterval = time.Minute

func triggerRules(t config.TriggersConfig) trigger.Rules {
	return trigger.Rules{
		BotNames:        t.BotNames,
		NumberFallbacks: t.NumberFallbacks,
		CommandPrefixes: t.CommandPrefixes,
	}
}

// makeConfigReloadHandler applies a reloaded config. Trigger rules and
// notices take effect for the next message; connection settings need a restart.
func makeConfigReloadHandler(cfg *config.Config, engine *dispatch.Engine) func(*config.Config) {
	return func(next *config.Config) {
		engine.SetRules(triggerRules(next.TriggerRules()))
		engine.SetNotices(next.Notices())
		cfg.ReplaceFrom(next)
		slog.Info("config reloaded",
			"bot_names", len(next.Triggers.BotNames),
			"command_prefixes", len(next.Triggers.CommandPrefixes),
		)
	}
}

type confirmationPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// runConfirmationPurger deletes expired pending confirmations until ctx ends.
func runConfirmationPurger(ctx context.Context, p confirmationPurger, ttl time.Duration) {
	interval := ttl / 2
	if interval < minPurgeInterval {
		interval = minPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.Purge(ctx, now.Add(-ttl))
			if err != nil {
				slog.Warn("confirmation purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("expired confirmations purged", "count", n)
			}
		}
	}
}
