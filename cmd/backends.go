package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goosewin/fluxsweep/internal/backend"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available image backends",
	RunE:  runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	names := backend.Names()
	if len(names) == 0 {
		fmt.Println("No backends registered")
		return nil
	}

	cfg, _, err := loadSettings()
	if err != nil {
		return err
	}
	selected := strings.ToLower(strings.TrimSpace(cfg.Image.Backend))

	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tCONFIGURED\tSELECTED")
	fmt.Fprintln(writer, "----\t----------\t--------")

	for _, name := range names {
		configured := "no"
		candidate := cfg
		candidate.Image.Backend = name
		if instance, err := newBackend(candidate); err == nil && instance.CheckConfigured() == nil {
			configured = "yes"
		}
		current := ""
		if name == selected {
			current = "*"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", name, configured, current)
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Println("")
	fmt.Println("Select with: fluxsweep config set image.backend <name>")
	return nil
}
