package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mcdev12/lobby/go/internal/gateway"
)

type options struct {
	addr    string
	timeout time.Duration
	asJSON  bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execRootCmd(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execRootCmd(ctx context.Context, args []string, out io.Writer) error {
	rootCmd := newRootCmd(out)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "lobbyctl",
		Short:         "Inspect and drive the countdown of a lobby member",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	defaultAddr := os.Getenv("LOBBY_GATEWAY_URL")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "Gateway base URL of the member to talk to")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "Print the raw countdown view as JSON")

	rootCmd.AddCommand(
		newViewCmd(opts, "status", "Show the countdown as seen by the member", func(ctx context.Context, c *gateway.CountdownClient) (*gateway.CountdownView, error) {
			return c.GetCountdown(ctx)
		}),
		newViewCmd(opts, "start", "Start the countdown now (authority only)", func(ctx context.Context, c *gateway.CountdownClient) (*gateway.CountdownView, error) {
			return c.RequestStart(ctx)
		}),
		newViewCmd(opts, "cancel", "Cancel the countdown, forwarding to the authority if needed", func(ctx context.Context, c *gateway.CountdownClient) (*gateway.CountdownView, error) {
			return c.RequestCancel(ctx)
		}),
		newWatchCmd(opts),
	)
	return rootCmd
}

func newViewCmd(opts *options, use, short string, call func(context.Context, *gateway.CountdownClient) (*gateway.CountdownView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			client := gateway.NewCountdownClient(http.DefaultClient, opts.addr)
			view, err := call(ctx, client)
			if err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return printView(cmd.OutOrStdout(), view, opts.asJSON)
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream countdown updates until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := socketURL(opts.addr)
			if err != nil {
				return err
			}

			dialCtx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()

			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				var ev gateway.CountdownEvent
				if err := conn.ReadJSON(&ev); err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return fmt.Errorf("read update: %w", err)
				}
				if opts.asJSON {
					if err := json.NewEncoder(out).Encode(ev); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(out, "%s %s\n", ev.Timestamp.Format(time.TimeOnly), countdownLabel(ev.Visible, ev.Text))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many updates (0 streams forever)")
	return cmd
}

func socketURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse addr %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("addr %q must be http or https", addr)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/countdown"
	return u.String(), nil
}

func printView(out io.Writer, view *gateway.CountdownView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	role := "member"
	if view.Authority {
		role = "authority"
	}
	fmt.Fprintf(out, "session:   %s\n", view.SessionID)
	fmt.Fprintf(out, "member:    %s (%s)\n", view.MemberID, role)
	fmt.Fprintf(out, "countdown: %s\n", countdownLabel(view.Visible, view.Text))
	fmt.Fprintf(out, "can start: %t\n", view.CanStart)
	if view.Authority {
		fmt.Fprintf(out, "watcher:   %t (writes %d, transitions %d)\n", view.WatcherActive, view.Writes, view.Transitions)
	}
	return nil
}

func countdownLabel(visible bool, text string) string {
	if !visible {
		return "idle"
	}
	return text + "s"
}
