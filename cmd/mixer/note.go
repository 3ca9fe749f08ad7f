package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourorg/mixerzk/pkg/engine"
	"github.com/yourorg/mixerzk/pkg/note"
)

func newNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Create and inspect notes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Generate a note and print it with its commitment",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				n, err := note.Generate()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "note:       %s\n", note.Encode(n))
				fmt.Fprintf(out, "commitment: %s\n", engine.Commitment(n).Hex())
				return nil
			},
		},
		&cobra.Command{
			Use:   "commitment <note>",
			Short: "Print the commitment of an encoded note",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := note.Decode(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), engine.Commitment(n).Hex())
				return nil
			},
		},
	)
	return cmd
}
