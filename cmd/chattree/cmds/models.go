package cmds

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
)

type ModelsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ModelsCommand)(nil)

func NewModelsCommand() *cobra.Command {
	description, err := newListDescription(
		"models",
		cmds.WithShort("List the models offered by the provider"),
	)
	cobra.CheckErr(err)
	return buildListCommand(&ModelsCommand{CommandDescription: description})
}

func (c *ModelsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	models, err := a.provider().GetModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		created := ""
		if m.Created > 0 {
			created = humanize.Time(time.Unix(m.Created, 0))
		}
		row := types.NewRow(
			types.MRP("id", m.ID),
			types.MRP("name", m.Name),
			types.MRP("description", m.Description),
			types.MRP("created", created),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
