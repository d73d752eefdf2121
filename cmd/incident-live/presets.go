package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/petr-muller/incident-live/internal/livewatch/storage"
)

func newPresetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "Manage saved query presets",
	}

	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Save the given query flags as a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPresetSave(args[0])
		},
	}
	queryOptions.AddPFlags(save.Flags())

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPresetList()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPresetDelete(args[0])
		},
	}

	cmd.AddCommand(save, list, deleteCmd)
	return cmd
}

func presetStore() (*storage.Store, error) {
	dir, err := storage.PresetsDir()
	if err != nil {
		return nil, err
	}
	return storage.NewStore(dir), nil
}

func runPresetSave(name string) error {
	if err := queryOptions.Validate(); err != nil {
		return err
	}
	store, err := presetStore()
	if err != nil {
		return err
	}
	if err := store.SavePreset(queryOptions.Preset(name, time.Now())); err != nil {
		return fmt.Errorf("cannot save preset: %w", err)
	}

	fmt.Printf("Preset '%s' saved\n", name)
	return nil
}

func runPresetList() error {
	store, err := presetStore()
	if err != nil {
		return err
	}
	presets, err := store.ListPresets()
	if err != nil {
		return fmt.Errorf("cannot list presets: %w", err)
	}

	if len(presets) == 0 {
		fmt.Printf("No saved presets found in %s\n", store.GetDataDir())
		return nil
	}

	fmt.Println("Saved presets:")
	for _, preset := range presets {
		fmt.Printf("  - %s (%d filter values, saved %s)\n", preset.Name, preset.Filters, preset.SavedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runPresetDelete(name string) error {
	store, err := presetStore()
	if err != nil {
		return err
	}
	if err := store.DeletePreset(name); err != nil {
		return fmt.Errorf("cannot delete preset: %w", err)
	}

	fmt.Printf("Preset '%s' deleted\n", name)
	return nil
}
