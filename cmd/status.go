package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/fluxsweep/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show status of fluxsweep sweeps",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := state.InitState(); err != nil {
		return err
	}

	_, _ = state.CleanupStale(state.CleanupMark)

	if len(args) == 1 {
		return printSweep(args[0])
	}

	sweeps, err := state.ListSweeps()
	if err != nil {
		return err
	}
	if len(sweeps) == 0 {
		fmt.Println("No sweeps found")
		fmt.Println("Start one with: fluxsweep sweep \"<prompt>\"")
		return nil
	}

	idWidth := len("ID")
	statusWidth := len("STATUS")
	progressWidth := len("PROGRESS")
	backendWidth := len("BACKEND")

	progress := make([]string, len(sweeps))
	for i, sweep := range sweeps {
		progress[i] = formatProgress(sweep)
		idWidth = max(idWidth, len(sweep.ID))
		statusWidth = max(statusWidth, len(sweep.Status))
		progressWidth = max(progressWidth, len(progress[i]))
		backendWidth = max(backendWidth, len(sweep.Backend))
	}

	fmt.Printf("%-*s  %-*s  %-*s  %-*s  %s\n", idWidth, "ID", statusWidth, "STATUS", progressWidth, "PROGRESS", backendWidth, "BACKEND", "PROMPT")
	fmt.Printf("%-*s  %-*s  %-*s  %-*s  %s\n", idWidth, strings.Repeat("-", idWidth), statusWidth, strings.Repeat("-", statusWidth), progressWidth, strings.Repeat("-", progressWidth), backendWidth, strings.Repeat("-", backendWidth), "------")

	for i, sweep := range sweeps {
		fmt.Printf("%-*s  %-*s  %-*s  %-*s  %s\n", idWidth, sweep.ID, statusWidth, sweep.Status, progressWidth, progress[i], backendWidth, sweep.Backend, truncatePrompt(sweep.Prompt, 50))
	}

	fmt.Println("")
	fmt.Println("Commands: fluxsweep status <id>, fluxsweep logs <id>, fluxsweep stop <id>")
	return nil
}

func printSweep(id string) error {
	sweep, found, err := state.GetSweep(id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("sweep not found: %s", id)
	}

	fmt.Printf("ID:        %s\n", sweep.ID)
	fmt.Printf("Status:    %s\n", sweep.Status)
	fmt.Printf("Progress:  %s\n", formatProgress(sweep))
	fmt.Printf("Backend:   %s\n", sweep.Backend)
	if sweep.Owner != "" {
		fmt.Printf("Owner:     %s\n", sweep.Owner)
	}
	fmt.Printf("Started:   %s\n", sweep.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if !sweep.FinishedAt.IsZero() {
		fmt.Printf("Finished:  %s\n", sweep.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if sweep.StopRequested && sweep.Running() {
		fmt.Println("Stop:      requested")
	}
	if sweep.LogFile != "" {
		fmt.Printf("Log:       %s\n", sweep.LogFile)
	}
	if sweep.ReportFile != "" {
		fmt.Printf("Report:    %s\n", sweep.ReportFile)
	}
	fmt.Printf("Prompt:    %s\n", sweep.Prompt)
	return nil
}

func formatProgress(sweep state.Sweep) string {
	text := fmt.Sprintf("%d/%d", sweep.Attempted, sweep.Total)
	if sweep.Failed > 0 {
		text += fmt.Sprintf(" (%d failed)", sweep.Failed)
	}
	return text
}

func truncatePrompt(prompt string, max int) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	runes := []rune(prompt)
	if max <= 3 || len(runes) <= max {
		return prompt
	}
	return string(runes[:max-3]) + "..."
}
