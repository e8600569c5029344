package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/recalld/internal/http"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check recalld server health",
		Long: `Check the health status of the recalld HTTP server.

Examples:
  # Check health
  recallctl health

  # Check health on a different server
  recallctl health --server http://localhost:9292`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpapi.HealthResponse
			if _, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", opts.serverURL)
			return nil
		},
	}
}

func newContextCmd(opts *options) *cobra.Command {
	var (
		firstTurn bool
		deadline  time.Duration
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "context [text]",
		Short: "Assemble context for a conversation turn",
		Long: `Ask recalld for the context it would inject before a turn.

Examples:
  # Opening turn of a conversation
  recallctl context --user alice --first "hi again"

  # Read the turn from stdin with a tighter deadline
  echo "what did I say about the trip?" | recallctl context --user alice --deadline 500ms -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(opts); err != nil {
				return err
			}
			text, err := readText(cmd, args)
			if err != nil {
				return err
			}

			req := httpapi.ContextRequest{
				UserID:     opts.userID,
				ClientID:   opts.clientID,
				Text:       text,
				FirstTurn:  firstTurn,
				DeadlineMS: int(deadline / time.Millisecond),
			}
			var resp httpapi.ContextResponse
			if _, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/context", req, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "[recallctl] strategy=%s tiers=%s persisted=%t elapsed=%dms\n",
					resp.Strategy, strings.Join(resp.Tiers, ","), resp.Persisted, resp.ElapsedMS)
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Context)
			if resp.Context != "" && !strings.HasSuffix(resp.Context, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&firstTurn, "first", false, "mark the turn as the first of the conversation")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "shorten the server's deadline for this turn")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the strategy and tiers to stderr")
	return cmd
}

func newRememberCmd(opts *options) *cobra.Command {
	var meta []string
	cmd := &cobra.Command{
		Use:   "remember [text]",
		Short: "Store a memory for a user",
		Long: `Store a memory for a user. Use - or no argument to read from stdin.

Examples:
  recallctl remember --user alice "prefers window seats"
  recallctl remember --user alice --meta source=import - < notes.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(opts); err != nil {
				return err
			}
			text, err := readText(cmd, args)
			if err != nil {
				return err
			}
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}

			req := httpapi.RememberRequest{
				UserID:   opts.userID,
				ClientID: opts.clientID,
				Text:     text,
				Metadata: metadata,
			}
			var resp httpapi.RememberResponse
			if _, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/memories", req, &resp, http.StatusCreated); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored memory %s\n", resp.ID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata as key=value (repeatable)")
	return cmd
}

func newNarrativeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "narrative",
		Short: "Inspect or reset a user's cached narrative",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the cached narrative and its freshness",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := requireUser(opts); err != nil {
					return err
				}
				var resp httpapi.NarrativeResponse
				if _, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodGet,
					narrativePath(opts.userID), nil, &resp, http.StatusOK, http.StatusNotFound); err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "User:       %s\n", resp.UserID)
				fmt.Fprintf(out, "State:      %s\n", resp.State)
				fmt.Fprintf(out, "Refreshing: %t\n", resp.Refreshing)
				if resp.GeneratedAt != nil {
					fmt.Fprintf(out, "Generated:  %s\n", resp.GeneratedAt.Format(time.RFC3339))
				}
				if resp.Content != "" {
					fmt.Fprintf(out, "\n%s\n", resp.Content)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Drop the cached narrative so the next first turn rebuilds it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := requireUser(opts); err != nil {
					return err
				}
				if _, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodDelete,
					narrativePath(opts.userID), nil, nil, http.StatusNoContent); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Narrative for %s invalidated\n", opts.userID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Schedule a narrative rebuild from the user's stored memories",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := requireUser(opts); err != nil {
					return err
				}
				path := narrativePath(opts.userID) + "/refresh?client_id=" + url.QueryEscape(opts.clientID)
				var resp httpapi.RefreshResponse
				if _, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodPost,
					path, nil, &resp, http.StatusAccepted); err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if resp.Scheduled {
					fmt.Fprintf(cmd.OutOrStdout(), "Refresh scheduled for %s\n", opts.userID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Refresh already in flight for %s\n", opts.userID)
				}
				return nil
			},
		},
	)
	return cmd
}

func narrativePath(userID string) string {
	return "/api/v1/narratives/" + url.PathEscape(userID)
}

func requireUser(opts *options) error {
	if opts.userID == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

// readText takes the turn from the argument, or stdin for "-" or no argument.
func readText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no text provided")
	}
	return text, nil
}

func parseMeta(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
