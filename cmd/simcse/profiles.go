package main

import (
	"fmt"

	"simcse-runner/internal/config"

	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles [name]",
	Short: "List run profiles, or print one as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if len(args) == 0 {
			for _, name := range config.Profiles() {
				fmt.Fprintln(c.OutOrStdout(), name)
			}
			return nil
		}

		preset, err := config.Preset(args[0])
		if err != nil {
			return err
		}
		data, err := config.Marshal(preset)
		if err != nil {
			return err
		}
		_, err = c.OutOrStdout().Write(data)
		return err
	},
}
