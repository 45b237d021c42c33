package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/fleet"
	"github.com/mattn/go-isatty"
)

var (
	successColor = lipgloss.Color("#25A065")
	dangerColor  = lipgloss.Color("#DC3545")
	warningColor = lipgloss.Color("#FFC107")
	mutedColor   = lipgloss.Color("240")

	okStyle      = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	partialStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func statusStyle(status engine.FanOutStatus) lipgloss.Style {
	switch status {
	case engine.FanOutStatusSuccess:
		return okStyle
	case engine.FanOutStatusPartial:
		return partialStyle
	default:
		return failStyle
	}
}

// printResult writes one line per target followed by the aggregate status.
func printResult(w io.Writer, result *engine.FanOutResult) error {
	if jsonOutput {
		return printJSON(w, result)
	}

	fmt.Fprintln(w, headerStyle.Render(result.Operation.String()))
	for _, o := range result.Outcomes {
		if o.Success {
			fmt.Fprintf(w, "  %s %s %s\n", okStyle.Render("✓"), o.DisplayName(), mutedStyle.Render(o.Duration.String()))
			if o.Output != "" {
				fmt.Fprintln(w, indent(o.Output, "      "))
			}
			continue
		}
		message := ""
		if o.Error != nil {
			message = o.Error.Message
		}
		fmt.Fprintf(w, "  %s %s: %s\n", failStyle.Render("✗"), o.DisplayName(), message)
	}
	fmt.Fprintf(w, "\n%d/%d targets succeeded (%s)\n",
		result.Succeeded, result.Total, statusStyle(result.Status).Render(string(result.Status)))
	return nil
}

// printLookup writes a table of name presence per target.
func printLookup(w io.Writer, result *fleet.LookupResult) error {
	if jsonOutput {
		return printJSON(w, result)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "TARGET\tNAME\tSTATUS\tMEMBERS")
	for _, t := range result.Targets {
		if t.Error != "" {
			fmt.Fprintf(tw, "%s\t-\t%s\t\n", t.TargetName, failStyle.Render(t.Error))
			continue
		}
		for _, e := range t.Entries {
			status := okStyle.Render("present")
			switch {
			case e.Error != "":
				status = failStyle.Render(e.Error)
			case !e.Found:
				status = partialStyle.Render("missing")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TargetName, e.Name, status, strings.Join(e.Members, ","))
		}
	}
	return tw.Flush()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// confirm asks the user to approve a destructive action. It returns true
// without prompting when --yes is set and false when stdin is not a terminal.
func confirm(title string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false, fmt.Errorf("%s: confirmation required, rerun with --yes", title)
	}
	var ok bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	)).WithTheme(huh.ThemeBase16()).Run()
	return ok, err
}

// promptSecret reads a secret from the terminal without echo.
func promptSecret(title string) (string, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", fmt.Errorf("%s is required", strings.ToLower(title))
	}
	var value string
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			EchoMode(huh.EchoModePassword).
			Value(&value),
	)).WithTheme(huh.ThemeBase16()).Run()
	return strings.TrimSpace(value), err
}
