package cmds

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/colloquy/pkg/wire"
)

func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of POST /messages request bodies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(wire.PostMessageSchema())
		},
	}
}
