package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/focuscoach/internal/app"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/ui/theme"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the trigger catalog",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trigger definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := app.LoadRegistry(cfg.CatalogPath)
		if err != nil {
			return err
		}

		defs := reg.All()
		if name, _ := cmd.Flags().GetString("methodology"); name != "" {
			m, err := methodology.Parse(name)
			if err != nil {
				return err
			}
			defs = reg.ByMethodology(m)
		}

		fmt.Printf("%-36s  %-11s  %-5s  %-7s  %-10s  %-4s  %s\n",
			"ID", "Methodology", "Pri", "Channel", "Cooldown", "Max", "Gate")
		fmt.Println(strings.Repeat("─", 90))
		for _, d := range defs {
			maxPerDay := "-"
			if d.MaxPerDay > 0 {
				maxPerDay = fmt.Sprint(d.MaxPerDay)
			}
			fmt.Printf("%-36s  %-11s  %-5d  %-7s  %-10s  %-4s  %s\n",
				truncate(d.ID, 36),
				d.Methodology,
				d.Priority,
				d.Channel,
				formatCooldown(d),
				maxPerDay,
				d.Gate,
			)
		}
		fmt.Println()
		fmt.Println(theme.Dim.Render(fmt.Sprintf("%d triggers", len(defs))))
		return nil
	},
}

var registryValidateCmd = &cobra.Command{
	Use:   "validate [catalog]",
	Short: "Validate a trigger catalog and its copy templates",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.CatalogPath
		if len(args) == 1 {
			path = args[0]
		}
		reg, err := app.LoadRegistry(path)
		if err != nil {
			fmt.Println(theme.Fail.Render("✗ invalid catalog"))
			return err
		}
		name := path
		if name == "" {
			name = "built-in catalog"
		}
		fmt.Printf("%s %s: %d triggers\n", theme.OK.Render("✓"), name, reg.Len())
		return nil
	},
}

func formatCooldown(d registry.Definition) string {
	if d.Cooldown >= registry.Forever {
		return "once"
	}
	return d.Cooldown.String()
}

func init() {
	registryListCmd.Flags().StringP("methodology", "m", "", "Show only triggers of this methodology")

	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryValidateCmd)
}
