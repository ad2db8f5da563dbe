package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/bootstrap"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Write a starter config file if none exists",
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			created, err := bootstrap.EnsureConfigFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !created {
				fmt.Printf("Config already exists at %s (left unchanged).\n", path)
				return
			}
			fmt.Printf("Wrote %s\n\n", path)
			fmt.Println("Next steps:")
			fmt.Println("  1. Set backend.webhook_url and triggers.bot_names in the file.")
			fmt.Println("  2. export WABRIDGE_WEBHOOK_API_KEY=... (if your webhook needs one)")
			fmt.Println("  3. ./wabridge doctor")
			fmt.Println("  4. ./wabridge   then scan the QR at http://localhost:3000/qr")
		},
	}
}
