package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

const doctorDialTimeout = 3 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and reachability of the bridge, webhook and OCR proxy",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("wabridge doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Endpoints:")
	checkEndpoint("Bridge", cfg.WhatsApp.BridgeURL, cfg.WhatsApp.BridgeToken != "")
	checkEndpoint("Webhook", cfg.Backend.WebhookURL, cfg.Backend.APIKey != "")
	if cfg.OCR.Enabled {
		checkEndpoint("OCR", cfg.OCR.URL, cfg.OCR.APIKey != "")
	} else {
		fmt.Printf("    %-12s disabled\n", "OCR:")
	}

	fmt.Println()
	fmt.Println("  Triggers:")
	fmt.Printf("    %-12s %s\n", "Bot names:", listOrNone(cfg.Triggers.BotNames))
	fmt.Printf("    %-12s %s\n", "Numbers:", listOrNone(cfg.Triggers.NumberFallbacks))
	fmt.Printf("    %-12s %s\n", "Commands:", listOrNone(cfg.Triggers.CommandPrefixes))
	if len(cfg.Triggers.BotNames) == 0 && len(cfg.Triggers.NumberFallbacks) == 0 {
		fmt.Println("    (group messages only trigger via command prefixes)")
	}

	fmt.Println()
	fmt.Println("  Confirmations:")
	fmt.Printf("    %-12s %s\n", "Storage:", cfg.Confirmations.Storage)
	if cfg.Confirmations.Storage == "sqlite" {
		path := config.ExpandHome(cfg.Confirmations.Path)
		st, err := sqlite.Inspect(context.Background(), path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			fmt.Printf("    %-12s %s (not created yet, will be on first start)\n", "Path:", path)
		case err != nil:
			fmt.Printf("    %-12s %s (OPEN FAILED: %s)\n", "Path:", path, err)
		default:
			fmt.Printf("    %-12s %s (OK)\n", "Path:", path)
			note := ""
			switch {
			case st.Dirty:
				note = " (DIRTY)"
			case st.CurrentVersion < st.RequiredVersion:
				note = " (will migrate on start)"
			case st.CurrentVersion > st.RequiredVersion:
				note = " (NEWER THAN THIS BINARY)"
			}
			fmt.Printf("    %-12s v%d (required v%d)%s\n", "Schema:", st.CurrentVersion, st.RequiredVersion, note)
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkEndpoint prints whether rawURL is configured and its host accepts TCP connections.
func checkEndpoint(name, rawURL string, hasCredentials bool) {
	label := name + ":"
	if rawURL == "" {
		fmt.Printf("    %-12s (not configured)\n", label)
		return
	}
	creds := ""
	if hasCredentials {
		creds = ", credentials set"
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		fmt.Printf("    %-12s %s (INVALID URL)\n", label, rawURL)
		return
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorDialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
	if err != nil {
		fmt.Printf("    %-12s %s (UNREACHABLE%s)\n", label, rawURL, creds)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s %s (reachable%s)\n", label, rawURL, creds)
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
