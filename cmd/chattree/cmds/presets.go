package cmds

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type PresetsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*PresetsCommand)(nil)

func NewPresetsCommand() *cobra.Command {
	description, err := newListDescription(
		"presets",
		cmds.WithShort("List saved settings presets"),
	)
	cobra.CheckErr(err)
	return buildListCommand(
		&PresetsCommand{CommandDescription: description},
		newSavePresetCommand(),
		newDeletePresetCommand(),
	)
}

func (c *PresetsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	presets, err := a.manager.ListPresets(ctx)
	if err != nil {
		return err
	}
	for _, p := range presets {
		keys := make([]string, 0, len(p.Config))
		for k := range p.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		row := types.NewRow(
			types.MRP("id", p.ID),
			types.MRP("name", p.Name),
			types.MRP("keys", keys),
			types.MRP("updated", humanize.Time(time.UnixMilli(p.UpdatedAt))),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func newSavePresetCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "save <name> <config.yaml>",
		Short: "Save a preset from a YAML settings file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			config := map[string]interface{}{}
			if err := yaml.Unmarshal(b, &config); err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.manager.SavePreset(cmd.Context(), &conversation.Preset{ID: id, Name: args[0], Config: config})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Overwrite the preset with this id")
	return cmd
}

func newDeletePresetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <preset-id>",
		Short: "Delete a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.manager.DeletePreset(cmd.Context(), args[0])
		},
	}
}
