package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"msimdir/config"
	"msimdir/control"
)

var socketPath string

// table describes how one ctl command renders its records.
type table struct {
	title   string
	columns []string
	times   []int // columns holding timestamps
}

var tables = map[string]table{
	"stats":    {title: "Server", columns: []string{"METRIC", "VALUE"}},
	"accounts": {title: "Accounts", columns: []string{"NAME", "LAST LOGIN"}, times: []int{1}},
	"online":   {title: "Active Sessions", columns: []string{"NAME", "IP ADDRESS", "PORT", "LOGIN TIME"}, times: []int{3}},
	"logins":   {title: "Login History", columns: []string{"NAME", "TIME", "IP ADDRESS", "PORT"}, times: []int{1}},
	"contacts": {title: "Contacts", columns: []string{"CONTACT"}},
	"messages": {title: "Message History", columns: []string{"NAME", "LAST LOGIN", "SENT", "ACCEPTED"}, times: []int{1}},
}

func newCtlCmd() *cobra.Command {
	ctl := &cobra.Command{
		Use:   "ctl",
		Short: "Query a running server through its control socket",
	}
	ctl.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "control socket path (default from config)")

	ctl.AddCommand(
		queryCmd("stats", "Show connection and account counts", cobra.NoArgs),
		queryCmd("accounts", "List every registered account", cobra.NoArgs),
		queryCmd("online", "List the accounts that are online", cobra.NoArgs),
		queryCmd("logins [name]", "Show the login history, optionally for one account", cobra.MaximumNArgs(1)),
		queryCmd("contacts NAME", "List the contacts of an account", cobra.ExactArgs(1)),
		queryCmd("messages", "Show sent and accepted message counts per account", cobra.NoArgs),
		&cobra.Command{
			Use:   "shutdown [reason] [completion-time]",
			Short: "Disconnect every client and stop the server",
			Long: `Disconnect every client with bye|reason and stop the server.
The reason defaults to "maintenance". The optional completion time is an
RFC 3339 timestamp telling clients when the server will be back.`,
			Args: cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := resolveSocket()
				if err != nil {
					return err
				}
				if _, err := control.Query(path, "shutdown", args...); err != nil {
					return err
				}
				color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "Shutdown requested")
				return nil
			},
		},
	)
	return ctl
}

func queryCmd(use, short string, args cobra.PositionalArgs) *cobra.Command {
	name := strings.Fields(use)[0]
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveSocket()
			if err != nil {
				return err
			}
			rows, err := control.Query(path, name, args...)
			if err != nil {
				return err
			}
			renderTable(cmd.OutOrStdout(), tables[name], rows)
			return nil
		},
	}
}

// resolveSocket prefers --socket, then the configured control socket.
func resolveSocket() (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Control.Socket, nil
}

func renderTable(out io.Writer, t table, rows [][]string) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintf(out, "  %s\n", t.title)
	cyan.Fprintf(out, "  %s\n", strings.Repeat("-", len(t.title)))

	if len(rows) == 0 {
		fmt.Fprintln(out, "  (none)")
		fmt.Fprintln(out)
		return
	}

	underline := make([]string, len(t.columns))
	for i, c := range t.columns {
		underline[i] = strings.Repeat("-", len(c))
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  "+strings.Join(t.columns, "\t"))
	fmt.Fprintln(w, "  "+strings.Join(underline, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		copy(cells, row)
		for _, i := range t.times {
			if i < len(cells) {
				cells[i] = displayTime(cells[i])
			}
		}
		fmt.Fprintln(w, "  "+strings.Join(cells, "\t"))
	}
	w.Flush()
	fmt.Fprintln(out)
}

// displayTime drops sub-second precision from a wire timestamp.
func displayTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format(time.DateTime)
}
