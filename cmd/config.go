package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/fluxsweep/internal/config"
)

var (
	configProject     bool
	configShowSecrets bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  "Config reads the merged default, global and project (.fluxsweep.yaml) configuration. Set writes to the global file unless --project is given.",
	RunE:  runConfigList,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a configuration value",
	Example: "  fluxsweep config set image.backend bfl\n  fluxsweep config set --project benchmark.max_iterations 50",
	Args:    cobra.ExactArgs(2),
	RunE:    runConfigSet,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration values",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show which configuration files are loaded",
	Args:  cobra.NoArgs,
	RunE:  runConfigPaths,
}

func init() {
	configSetCmd.Flags().BoolVar(&configProject, "project", false, "Write to the project file in the current directory")
	configCmd.PersistentFlags().BoolVar(&configShowSecrets, "show-secrets", false, "Print credentials unmasked")
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd, configPathsCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	if _, _, err := loadConfigForCwd(); err != nil {
		return err
	}

	key := strings.TrimSpace(args[0])
	value, ok := config.GetConfig(key)
	if !ok {
		if !config.KnownKey(key) {
			return fmt.Errorf("%w: %s", config.ErrUnknownKey, key)
		}
		return fmt.Errorf("config key not set: %s", key)
	}

	fmt.Fprintln(cmd.OutOrStdout(), displayValue(key, value))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
	if key == "" || value == "" {
		return errors.New("config key and value are required")
	}

	if configProject {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve current directory: %w", err)
		}
		if err := config.SetProjectConfig(cwd, key, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated project config: %s\n", key)
		return nil
	}

	if err := config.SetConfig(key, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated config: %s\n", key)
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	if _, _, err := loadConfigForCwd(); err != nil {
		return err
	}

	items, err := config.ListConfig()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := cmd.OutOrStdout()
	for _, key := range keys {
		fmt.Fprintf(out, "%s=%s\n", key, displayValue(key, items[key]))
	}
	return nil
}

func runConfigPaths(cmd *cobra.Command, args []string) error {
	if _, _, err := loadConfigForCwd(); err != nil {
		return err
	}
	paths := config.CurrentPaths()
	out := cmd.OutOrStdout()
	for _, item := range []struct{ name, path string }{
		{"default", paths.Default},
		{"global", paths.Global},
		{"project", paths.Project},
	} {
		status := "missing"
		if item.path == "" {
			status = "unset"
		} else if _, err := os.Stat(item.path); err == nil {
			status = "loaded"
		}
		fmt.Fprintf(out, "%-8s %-8s %s\n", item.name, status, item.path)
	}
	return nil
}

func displayValue(key, value string) string {
	if configShowSecrets || !config.IsSecret(key) {
		return value
	}
	return config.Redact(value)
}

func loadConfigForCwd() (config.Paths, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Paths{}, "", fmt.Errorf("resolve current directory: %w", err)
	}
	paths, err := config.LoadConfig(cwd)
	return paths, cwd, err
}
