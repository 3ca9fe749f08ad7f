package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourorg/mixerzk/pkg/anonset"
	"github.com/yourorg/mixerzk/pkg/engine"
	"github.com/yourorg/mixerzk/pkg/merkle"
	"github.com/yourorg/mixerzk/pkg/note"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch the anonymity set and check its root against the contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.synchronizer(ctx)
			if err != nil {
				return err
			}
			set, err := s.Refresh(ctx, a.cfg.Contract)
			if err != nil {
				return err
			}
			c, _ := a.client(ctx)
			info, err := c.MerkleTreeInfo(ctx, a.cfg.Contract)
			if err != nil {
				return err
			}
			tree, err := merkle.New(int(info.Levels), set.Commitments())
			if err != nil {
				return err
			}
			known, err := c.KnownRoot(ctx, a.cfg.Contract, tree.Root())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "contract:    %s\n", set.Contract())
			fmt.Fprintf(out, "leaves:      %d (contract next_index %d)\n", set.Len(), info.NextIndex)
			fmt.Fprintf(out, "last height: %d\n", set.LastHeight())
			fmt.Fprintf(out, "root:        %s (known=%t)\n", tree.Root().Hex(), known)
			return nil
		},
	}
}

func newResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <note>",
		Short: "Find the leaf index of a note's commitment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := note.Decode(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := a.synchronizer(ctx)
			if err != nil {
				return err
			}
			set, err := s.Refresh(ctx, a.cfg.Contract)
			if err != nil {
				return err
			}
			idx, err := anonset.Resolve(set, engine.Commitment(n))
			if err != nil {
				return err
			}
			leaf, _ := set.Leaf(idx)
			fmt.Fprintf(cmd.OutOrStdout(), "leaf %d of %d (height %d, tx %s)\n", idx, set.Len(), leaf.Height, leaf.TxHash)
			return nil
		},
	}
}
