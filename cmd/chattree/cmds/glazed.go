package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/spf13/cobra"
)

// newListDescription describes a command that emits rows. The glazed layer
// adds --output (table, json, yaml, csv), --fields and friends.
func newListDescription(name string, options ...cmds.CommandDescriptionOption) (*cmds.CommandDescription, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	options = append(options, cmds.WithLayersList(glazedLayer))
	return cmds.NewCommandDescription(name, options...), nil
}

func buildListCommand(c cmds.GlazeCommand, subcommands ...*cobra.Command) *cobra.Command {
	cobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(c)
	cobra.CheckErr(err)
	cobraCmd.AddCommand(subcommands...)
	return cobraCmd
}
