package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/colloquy/pkg/catalog"
	"github.com/go-go-golems/colloquy/pkg/conversation"
)

// summarySource returns the catalog, most recent first.
type summarySource func(ctx context.Context) ([]conversation.Summary, error)

type ListConversationsCommand struct {
	*cmds.CommandDescription
	source summarySource
}

var _ cmds.GlazeCommand = (*ListConversationsCommand)(nil)

func NewListConversationsCommand(source summarySource) (*ListConversationsCommand, error) {
	glazedParameterLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create glazed parameter layer")
	}

	return &ListConversationsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List saved conversations, most recent first"),
			cmds.WithLayersList(glazedParameterLayer),
		),
		source: source,
	}, nil
}

func (c *ListConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	list, err := c.source(ctx)
	if err != nil {
		return err
	}
	for _, s := range list {
		if err := gp.AddRow(ctx, summaryRow(s)); err != nil {
			return err
		}
	}
	return nil
}

func summaryRow(s conversation.Summary) types.Row {
	return types.NewRow(
		types.MRP("id", s.ID),
		types.MRP("title", s.Title),
		types.MRP("updated_at", s.UpdatedAt.Local().Format(conversation.DefaultExportLayout)),
		types.MRP("message_count", s.MessageCount),
	)
}

func newListCobraCommand(source summarySource) (*cobra.Command, error) {
	listCmd, err := NewListConversationsCommand(source)
	if err != nil {
		return nil, err
	}
	return cli.BuildCobraCommandFromGlazeCommand(listCmd)
}

// storedSummaries reads the catalog of the configured store.
func storedSummaries(ctx context.Context) ([]conversation.Summary, error) {
	var ret []conversation.Summary
	err := withManager(func(m *catalog.Manager) error {
		var err error
		ret, err = m.List(ctx)
		return err
	})
	return ret, err
}
