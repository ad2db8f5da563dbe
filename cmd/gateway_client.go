package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/config"
)

const clientTimeout = 45 * time.Second

var gatewayAddr string

// apiClient talks to a running gateway's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	base := gatewayAddr
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: cfg.Gateway.Token,
		http:  &http.Client{Timeout: clientTimeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func withClient(run func(ctx context.Context, c *apiClient, args []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		c, err := newAPIClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := run(cmd.Context(), c, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func addrFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gatewayAddr, "addr", "", "gateway base URL (default: http://127.0.0.1:<gateway.port>)")
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the WhatsApp connection status of a running gateway",
		Args:  cobra.NoArgs,
		Run: withClient(func(ctx context.Context, c *apiClient, _ []string) error {
			var st struct {
				Connected     bool   `json:"connected"`
				User          string `json:"user"`
				State         string `json:"state"`
				PairingMethod string `json:"pairing_method"`
				QR            string `json:"qr"`
			}
			if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
				return err
			}
			fmt.Printf("State:     %s\n", st.State)
			fmt.Printf("Connected: %v\n", st.Connected)
			if st.User != "" {
				fmt.Printf("User:      %s\n", st.User)
			}
			if st.QR != "" {
				fmt.Printf("QR:        available at %s/qr\n", c.base)
			}
			return nil
		}),
	}
	addrFlag(cmd)
	return cmd
}

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair <number>",
		Short: "Request a phone-number pairing code",
		Args:  cobra.ExactArgs(1),
		Run: withClient(func(ctx context.Context, c *apiClient, args []string) error {
			var resp struct {
				PairingCode string `json:"pairingCode"`
			}
			if err := c.do(ctx, http.MethodPost, "/pair", map[string]string{"number": args[0]}, &resp); err != nil {
				return err
			}
			fmt.Printf("Pairing code: %s\n", resp.PairingCode)
			fmt.Println("Enter it in WhatsApp > Linked devices > Link with phone number.")
			return nil
		}),
	}
	addrFlag(cmd)
	return cmd
}

func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Log the WhatsApp account out and start a new pairing",
		Args:  cobra.NoArgs,
		Run: withClient(func(ctx context.Context, c *apiClient, _ []string) error {
			if err := c.do(ctx, http.MethodPost, "/logout", nil, nil); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		}),
	}
	addrFlag(cmd)
	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <number> <message>",
		Short: "Send a text message to a phone number",
		Args:  cobra.MinimumNArgs(2),
		Run: withClient(func(ctx context.Context, c *apiClient, args []string) error {
			body := map[string]string{"number": args[0], "message": strings.Join(args[1:], " ")}
			if err := c.do(ctx, http.MethodPost, "/send", body, nil); err != nil {
				return err
			}
			fmt.Printf("Sent to %s\n", bus.DirectChatID(args[0]))
			return nil
		}),
	}
	addrFlag(cmd)
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream session state changes from a running gateway",
		Args:  cobra.NoArgs,
		Run: withClient(func(ctx context.Context, c *apiClient, _ []string) error {
			u, err := url.Parse(c.base + "/v1/events")
			if err != nil {
				return err
			}
			if u.Scheme == "https" {
				u.Scheme = "wss"
			} else {
				u.Scheme = "ws"
			}
			var opts websocket.DialOptions
			if c.token != "" {
				opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
			}
			conn, _, err := websocket.Dial(ctx, u.String(), &opts)
			if err != nil {
				return fmt.Errorf("connect event stream: %w", err)
			}
			defer conn.CloseNow()

			for {
				var ev bus.Event
				if err := wsjson.Read(ctx, conn, &ev); err != nil {
					if websocket.CloseStatus(err) == websocket.StatusGoingAway {
						return nil
					}
					return err
				}
				payload, _ := json.Marshal(ev.Payload)
				fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), ev.Name, payload)
			}
		}),
	}
	addrFlag(cmd)
	return cmd
}
