package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/probelab/surveyor/pkg/surface"
)

var surfacesCmd = &cobra.Command{
	Use:   "surfaces",
	Short: "List the available surfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range surface.Available() {
			// Adapters needing credentials or a base URL refuse blank
			// config; the name still lists.
			a, err := surface.New(name, surface.Config{})
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s (requires configuration)\n", name)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", name, a.Kind())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(surfacesCmd)
}
