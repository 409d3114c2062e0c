package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goosewin/fluxsweep/internal/filelock"
	"github.com/goosewin/fluxsweep/internal/state"
)

var (
	stopAll bool
)

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running sweep after its current combination",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVarP(&stopAll, "all", "a", false, "Stop all running sweeps")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	if err := state.InitState(); err != nil {
		return err
	}

	if stopAll {
		return stopAllSweeps()
	}

	if len(args) == 0 || args[0] == "" {
		return errors.New("sweep id is required (use --all to stop all sweeps)")
	}

	id := args[0]
	sweep, found, err := state.GetSweep(id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("sweep not found: %s", id)
	}
	if !sweep.Running() {
		fmt.Printf("Sweep %s is not running (status: %s)\n", id, sweep.Status)
		return nil
	}

	if err := stopSweep(sweep); err != nil {
		return err
	}

	fmt.Printf("Stop requested: %s\n", id)
	return nil
}

func stopAllSweeps() error {
	sweeps, err := state.ListSweeps()
	if err != nil {
		return err
	}
	if len(sweeps) == 0 {
		fmt.Println("No sweeps found")
		return nil
	}

	stopped := 0
	for _, sweep := range sweeps {
		if !sweep.Running() {
			continue
		}
		if err := stopSweep(sweep); err != nil {
			return err
		}
		fmt.Printf("Stop requested: %s\n", sweep.ID)
		stopped++
	}

	if stopped == 0 {
		fmt.Println("No running sweeps to stop")
		return nil
	}

	fmt.Printf("Requested stop for %d sweep(s)\n", stopped)
	return nil
}

// stopSweep flags the sweep in the registry. The process running it polls
// the flag and stops before its next combination. Sweeps whose process is
// gone are marked stale instead.
func stopSweep(sweep state.Sweep) error {
	if sweep.PID > 0 && !filelock.ProcessAlive(sweep.PID) {
		_, err := state.UpdateSweep(sweep.ID, func(s *state.Sweep) {
			s.Status = state.StatusStale
		})
		return err
	}
	_, err := state.RequestStop(sweep.ID)
	return err
}
