package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/petr-muller/incident-live/internal/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change operator settings",
		Long: `Show or change operator settings. A running watch picks up changes on its next cycle.

Known settings: maxResultLimit, autoAcceptLargeQueries, pollIntervalMs,
maxRequestsPerMinute (0 disables pacing), defaultSince.`,
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the settings in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(settingsPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s)
			if err != nil {
				return fmt.Errorf("cannot marshal settings: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}

	set := &cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Change one setting",
		Args:      cobra.ExactArgs(2),
		ValidArgs: settings.Keys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(settingsPath)
			if err != nil {
				return err
			}
			if err := s.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := settings.Save(settingsPath, s); err != nil {
				return err
			}
			fmt.Printf("%s set to %s\n", args[0], args[1])
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Restore the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := settings.Save(settingsPath, settings.Defaults()); err != nil {
				return err
			}
			fmt.Println("Settings restored to defaults")
			return nil
		},
	}

	cmd.AddCommand(show, set, reset)
	return cmd
}
