package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydash/internal/httpapi"
	"github.com/agentworkforce/relaydash/internal/livesync"
)

var statusColors = map[string]lipgloss.Color{
	"connected":    lipgloss.Color("10"),
	"polling":      lipgloss.Color("12"),
	"reconnecting": lipgloss.Color("11"),
	"disconnected": lipgloss.Color("9"),
}

type connectionReport struct {
	Status  string                   `json:"status"`
	Healthy bool                     `json:"healthy"`
	State   livesync.ConnectionState `json:"state"`
	Session livesync.Session         `json:"session"`
}

func newStatusCmd(load configLoader) *cobra.Command {
	var opts apiOptions
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection status of a running relaydash",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg, opts, httpapi.ScopeRead)
			if err != nil {
				return err
			}
			var report connectionReport
			if err := client.getJSON(cmd.Context(), "/v1/connection", nil, &report); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func printStatus(w io.Writer, report connectionReport) {
	fmt.Fprintf(w, "status:       %s\n", renderBadge(report.Status, colorEnabled(w)))
	fmt.Fprintf(w, "healthy:      %t\n", report.Healthy)
	fmt.Fprintf(w, "orchestrator: %s\n", report.Session.OrchestratorID)
	if report.Session.Name != "" {
		fmt.Fprintf(w, "name:         %s\n", report.Session.Name)
	}
	fmt.Fprintf(w, "retries:      %d\n", report.State.RetryCount)
	if !report.State.LastMessageAt.IsZero() {
		fmt.Fprintf(w, "last message: %s\n", report.State.LastMessageAt.Format("2006-01-02 15:04:05Z07:00"))
	}
}

// renderBadge returns the status label, colored when the writer is a terminal.
func renderBadge(status string, color bool) string {
	label := "● " + status
	if !color {
		return label
	}
	fg, ok := statusColors[status]
	if !ok {
		fg = lipgloss.Color("240")
	}
	return lipgloss.NewStyle().Bold(true).Foreground(fg).Render(label)
}

func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
