package cmds

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/colloquy/pkg/catalog"
	"github.com/go-go-golems/colloquy/pkg/conversation"
)

func NewConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Manage saved conversations",
	}

	listCmd, err := newListCobraCommand(storedSummaries)
	cobra.CheckErr(err)

	exportCmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Print a saved conversation as text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			utc, _ := cmd.Flags().GetBool("utc")
			opts := conversation.ExportOptions{}
			if utc {
				opts.Location = time.UTC
			}
			return withManager(func(m *catalog.Manager) error {
				text, err := m.ExportStored(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
				return err
			})
		},
	}
	exportCmd.Flags().Bool("utc", false, "Print timestamps in UTC")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				ok, err := confirm(fmt.Sprintf("Delete conversation %s? [y/n]", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			return withManager(func(m *catalog.Manager) error {
				return m.Delete(cmd.Context(), args[0])
			})
		},
	}
	deleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	cmd.AddCommand(listCmd, exportCmd, deleteCmd)
	return cmd
}

func withManager(f func(m *catalog.Manager) error) error {
	db, st, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return f(catalog.NewManager(st))
}

func confirm(query string) (bool, error) {
	ui := &input.UI{
		Writer: os.Stderr,
		Reader: os.Stdin,
	}
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.New("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}
