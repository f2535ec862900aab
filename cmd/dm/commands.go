package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/internal/version"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
	"github.com/GoCodeAlone/dungeonmaster/server/api"
)

const defaultServer = "http://localhost:9090"

type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *rootOptions) client() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(o.server, "/"),
		Token:      o.token,
		HTTPClient: &http.Client{Timeout: o.timeout},
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dm",
		Short:         "dungeonmaster CLI client",
		Long:          "dm talks to a running dmd: inspect agents, send messages and commands, read history.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("DM_SERVER", defaultServer), "dmd server URL (or $DM_SERVER)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("DM_TOKEN"), "JWT auth token (or $DM_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "http-timeout", 90*time.Second, "HTTP request timeout")

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(opts),
		newStatusCmd(opts),
		newAgentsCmd(opts),
		newAgentCmd(opts),
		newSendCmd(opts),
		newCommandCmd(opts),
		newHistoryCmd(opts),
		newBroadcastCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// --- version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dm %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}

// --- login ---

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var user, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a token; export it as DM_TOKEN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Token string `json:"token"`
			}
			body := map[string]string{"username": user, "password": password}
			if err := opts.client().post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "admin", "username")
	cmd.Flags().StringVar(&password, "password", os.Getenv("DM_PASSWORD"), "password (or $DM_PASSWORD)")
	return cmd
}

// --- status ---

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st api.Status
			if err := opts.client().get(cmd.Context(), "/api/status", &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "status:   %s\n", st.Status)
			fmt.Fprintf(w, "version:  %s\n", st.Version)
			fmt.Fprintf(w, "running:  %t\n", st.Running)
			fmt.Fprintf(w, "uptime:   %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(w, "agents:   %d\n", st.Agents)
			fmt.Fprintf(w, "bus:      queued=%d delivered=%d dropped=%d failed=%d history=%d\n",
				st.Bus.Queued, st.Bus.Delivered, st.Bus.Dropped, st.Bus.Failed, st.Bus.HistoryLen)
			return nil
		},
	}
}

// --- agents ---

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var infos []agent.Info
			if err := opts.client().get(cmd.Context(), "/api/agents", &infos); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(w, "no agents")
				return nil
			}
			fmt.Fprintf(w, "%-20s %-20s %-12s %s\n", "ID", "LABEL", "STATUS", "ACTIONS")
			fmt.Fprintln(w, strings.Repeat("-", 72))
			for _, a := range infos {
				fmt.Fprintf(w, "%-20s %-20s %-12s %s\n", a.ID, a.Label, a.Status, strings.Join(a.Actions, ","))
			}
			return nil
		},
	}
}

func newAgentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start or stop an agent",
	}
	for verb, done := range map[string]string{"start": "started", "stop": "stopped"} {
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <id>",
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " an agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := args[0]
				if err := opts.client().post(cmd.Context(), "/api/agents/"+url.PathEscape(id)+"/"+verb, nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "agent %s %s\n", id, done)
				return nil
			},
		})
	}
	return cmd
}

// --- send ---

func newSendCmd(opts *rootOptions) *cobra.Command {
	var data string
	var wait float64
	cmd := &cobra.Command{
		Use:   "send <agent> <action>",
		Short: "Send a request to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			var resp api.SendResponse
			req := api.SendRequest{Action: args[1], Data: payload, Wait: wait}
			if err := opts.client().post(cmd.Context(), "/api/agents/"+url.PathEscape(args[0])+"/messages", req, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "message %s\n", resp.MessageID)
			if resp.Response != nil {
				return printJSON(w, resp.Response.Data)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object payload")
	cmd.Flags().Float64Var(&wait, "wait", 5, "seconds to wait for the response, 0 to not wait")
	return cmd
}

// --- command ---

func newCommandCmd(opts *rootOptions) *cobra.Command {
	var action, data string
	var timeout float64
	cmd := &cobra.Command{
		Use:   "command <intent> [text...]",
		Short: "Route a command envelope by intent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			env := orchestrator.Envelope{
				Intent:         args[0],
				Action:         action,
				Text:           strings.Join(args[1:], " "),
				Data:           payload,
				TimeoutSeconds: timeout,
			}
			var res comms.Payload
			if err := opts.client().post(cmd.Context(), "/api/command", env, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action to invoke instead of the default command handler")
	cmd.Flags().StringVar(&data, "data", "", "JSON object payload")
	cmd.Flags().Float64Var(&timeout, "timeout", 0, "seconds to wait for the agent, 0 uses the server default")
	return cmd
}

// --- history ---

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var agentID, action string
	var limit int
	var archived bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if agentID != "" {
				q.Set("agent_id", agentID)
			}
			if archived {
				q.Set("source", "archive")
				if action != "" {
					q.Set("action", action)
				}
			}
			var msgs []comms.Message
			if err := opts.client().get(cmd.Context(), "/api/messages?"+q.Encode(), &msgs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(w, "no messages")
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(w, "%s %s\n", m.Timestamp.Format(time.TimeOnly), m.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only messages sent or received by this agent")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of messages")
	cmd.Flags().BoolVar(&archived, "archive", false, "read from the persistent archive")
	cmd.Flags().StringVar(&action, "action", "", "archive only: filter by action")
	return cmd
}

// --- broadcast ---

func newBroadcastCmd(opts *rootOptions) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "broadcast <action>",
		Short: "Broadcast an action to every agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			var resp api.SendResponse
			if err := opts.client().post(cmd.Context(), "/api/broadcast", api.BroadcastRequest{Action: args[0], Data: payload}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "broadcast %s\n", resp.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object payload")
	return cmd
}

// --- helpers ---

func parsePayload(s string) (comms.Payload, error) {
	if s == "" {
		return nil, nil
	}
	var p comms.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return p, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
