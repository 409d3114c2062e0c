package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goosewin/fluxsweep/internal/settings"
)

var settingsUser string

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage per-user generation settings",
	RunE:  runSettingsGet,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a user's settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Change one setting",
	Args:      cobra.ExactArgs(2),
	ValidArgs: settings.Keys(),
	RunE:      runSettingsSet,
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsReset,
}

func init() {
	settingsCmd.PersistentFlags().StringVarP(&settingsUser, "user", "u", envOrDefault("FLUXSWEEP_USER", "cli"), "User whose settings to manage")
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsResetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func withSettingsStore(fn func(store settings.Store) (settings.Record, error)) error {
	cfg, _, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Store, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := fn(store)
	if err != nil {
		return err
	}
	return printRecord(rec)
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	return withSettingsStore(func(store settings.Store) (settings.Record, error) {
		return store.Get(context.Background(), settingsUser)
	})
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	return withSettingsStore(func(store settings.Store) (settings.Record, error) {
		return store.Update(context.Background(), settingsUser, settings.SetField(key, args[1]))
	})
}

func runSettingsReset(cmd *cobra.Command, args []string) error {
	return withSettingsStore(func(store settings.Store) (settings.Record, error) {
		return store.Reset(context.Background(), settingsUser)
	})
}

func printRecord(rec settings.Record) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "KEY\tVALUE")
	fmt.Fprintln(writer, "---\t-----")
	for _, field := range rec.Fields() {
		fmt.Fprintf(writer, "%s\t%s\n", field[0], field[1])
	}
	return writer.Flush()
}
