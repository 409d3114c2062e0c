package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/goosewin/fluxsweep/internal/logging"
	"github.com/goosewin/fluxsweep/internal/state"
)

var (
	logsFollow bool
	logsLines  int
	logsLevel  string
)

var logsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show the log of a sweep",
	Long:  "Logs prints the tail of a sweep's log file. With --follow it keeps printing until the sweep finishes.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output until the sweep finishes")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of trailing lines to show")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Only show entries at or above this level (debug, info, warn, error)")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	if err := state.InitState(); err != nil {
		return err
	}
	var keep func(string) bool
	if strings.TrimSpace(logsLevel) != "" {
		minLevel, err := logging.ParseLevel(logsLevel)
		if err != nil {
			return err
		}
		keep = levelFilter(minLevel)
	}

	id := args[0]
	sweep, found, err := state.GetSweep(id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("sweep not found: %s", id)
	}

	logFile := sweep.LogFile
	if logFile == "" {
		logFile = state.LogPath(id)
	}
	if _, err := os.Stat(logFile); err != nil {
		return fmt.Errorf("no log for sweep %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sweep: %s (status: %s, %s)\n", id, sweep.Status, formatProgress(sweep))
	fmt.Fprintf(out, "Log file: %s\n\n", logFile)

	lines, err := tailLines(logFile, logsLines, keep)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	if !logsFollow || !sweep.Running() {
		return nil
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return followLog(ctx, out, id, logFile, keep)
}

// tailLines returns the last limit lines of path accepted by keep.
func tailLines(path string, limit int, keep func(string) bool) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if limit <= 0 {
		return []string{}, nil
	}

	ring := make([]string, limit)
	count := 0
	scanner := bufioScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if keep != nil && !keep(line) {
			continue
		}
		ring[count%limit] = line
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if count <= limit {
		return ring[:count], nil
	}
	start := count % limit
	return append(ring[start:], ring[:start]...), nil
}

// followLog prints lines appended to path until the sweep leaves the running
// state or ctx ends.
func followLog(ctx context.Context, out io.Writer, id, path string, keep func(string) bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch sweep log: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch sweep log: %w", err)
	}

	reader := bufio.NewReader(file)
	var partial string
	drain := func() error {
		for {
			chunk, err := reader.ReadString('\n')
			partial += chunk
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			line := strings.TrimRight(partial, "\r\n")
			partial = ""
			if keep == nil || keep(line) {
				fmt.Fprintln(out, line)
			}
		}
	}

	// Writes are seen through the watcher; the ticker notices the sweep ending.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch sweep log: %w", err)
		case <-ticker.C:
			sweep, found, err := state.GetSweep(id)
			if err != nil {
				return err
			}
			if !found || !sweep.Running() {
				return drain()
			}
		}
	}
}

// levelFilter keeps console-encoded zap lines at or above floor. Lines without
// a recognizable level, such as stack traces, are kept.
func levelFilter(floor zapcore.Level) func(string) bool {
	if floor <= zapcore.DebugLevel {
		return nil
	}
	return func(line string) bool {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			return true
		}
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(strings.ToLower(fields[1]))); err != nil {
			return true
		}
		return level >= floor
	}
}

func bufioScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
