package commands

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/quillaudio/quill/pkg/speaker"
)

var speakersCmd = &cobra.Command{
	Use:   "speakers",
	Short: "Manage enrolled speaker profiles",
}

var speakersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled speakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, cleanup, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		names := reg.Names()
		if len(names) == 0 {
			fmt.Println("no speakers enrolled")
			return nil
		}
		for _, name := range names {
			fmt.Printf("%-24s %d samples\n", name, reg.Samples(name))
		}
		return nil
	},
}

var speakersForgetCmd = &cobra.Command{
	Use:   "forget <name>",
	Short: "Remove one speaker profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, cleanup, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		name := args[0]
		if !slices.Contains(reg.Names(), name) {
			return fmt.Errorf("speaker %q not found", name)
		}
		reg.Forget(name)
		if err := reg.Flush(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("forgot %s\n", name)
		return nil
	},
}

var speakersClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all speaker profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, cleanup, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		n := reg.Len()
		if err := reg.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("removed %d speaker(s)\n", n)
		return nil
	},
}

// openRegistry opens the persistent registry; cleanup closes registry
// and store.
func openRegistry(ctx context.Context) (*speaker.Registry, func(), error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	reg, err := speaker.NewRegistry(ctx,
		speaker.WithStore(store),
		speaker.WithIdentifyThreshold(cfg.IdentifyThreshold),
		speaker.WithValidationThreshold(cfg.ValidationThreshold))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		reg.Close()
		store.Close()
	}
	return reg, cleanup, nil
}

func init() {
	speakersCmd.AddCommand(speakersListCmd)
	speakersCmd.AddCommand(speakersForgetCmd)
	speakersCmd.AddCommand(speakersClearCmd)
	rootCmd.AddCommand(speakersCmd)
}
