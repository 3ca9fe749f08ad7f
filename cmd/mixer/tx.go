package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/yourorg/mixerzk/pkg/engine"
	"github.com/yourorg/mixerzk/pkg/mixer"
	"github.com/yourorg/mixerzk/pkg/note"
	"github.com/yourorg/mixerzk/pkg/proof"
	"github.com/yourorg/mixerzk/pkg/txn"
)

// bundleFile is the on-disk form of a withdrawal proof.
type bundleFile struct {
	Contract      string      `json:"contract"`
	Levels        int         `json:"levels"`
	Fingerprint   string      `json:"circuit"`
	Proof         []byte      `json:"proof"`
	Root          common.Hash `json:"root"`
	NullifierHash common.Hash `json:"nullifier_hash"`
	Commitment    common.Hash `json:"commitment"`
	LeafIndex     uint32      `json:"leaf_index"`
	Recipient     string      `json:"recipient"`
	Relayer       string      `json:"relayer"`
	Fee           string      `json:"fee"`
	Refund        string      `json:"refund"`
}

func (f *bundleFile) params() (proof.Params, error) {
	fee, err := parseAmount("fee", f.Fee)
	if err != nil {
		return proof.Params{}, err
	}
	refund, err := parseAmount("refund", f.Refund)
	if err != nil {
		return proof.Params{}, err
	}
	return proof.Params{Recipient: f.Recipient, Relayer: f.Relayer, Fee: fee, Refund: refund}, nil
}

func parseAmount(name, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v, nil
}

func newDepositCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <note>",
		Short: "Print the deposit message and funds for a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := note.Decode(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := a.client(ctx)
			if err != nil {
				return err
			}
			tx := txn.NewOrchestrator(a.cfg.Contract, dryRun{cmd.OutOrStdout()}, c, engineDeriver{})
			_, err = tx.Deposit(ctx, a.sender, n)
			return err
		},
	}
}

// engineDeriver derives commitments without compiling the circuit.
type engineDeriver struct{}

func (engineDeriver) Derive(n note.Note) note.Commitment { return engine.Commitment(n) }

func newWithdrawCmd(a *app) *cobra.Command {
	var (
		f       bundleFile
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "withdraw <note>",
		Short: "Prove a withdrawal, write the bundle and print the withdraw message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := note.Decode(args[0])
			if err != nil {
				return err
			}
			p, err := f.params()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := a.client(ctx)
			if err != nil {
				return err
			}
			info, err := c.MerkleTreeInfo(ctx, a.cfg.Contract)
			if err != nil {
				return err
			}
			eng, err := engine.New(int(info.Levels), engine.WithKeyDir(a.keyDir))
			if err != nil {
				return err
			}
			s, err := a.synchronizer(ctx)
			if err != nil {
				return err
			}

			tx := txn.NewOrchestrator(a.cfg.Contract, dryRun{cmd.OutOrStdout()}, c, eng)
			mc := mixer.New(eng, s, tx, proof.WithRootChecker(c))
			b, err := mc.Prove(ctx, n, p)
			if err != nil {
				return err
			}

			f.Contract = a.cfg.Contract
			f.Levels = eng.Levels()
			f.Fingerprint = eng.Fingerprint()
			f.Proof = b.Proof
			f.Root = b.Root
			f.NullifierHash = b.NullifierHash
			f.Commitment = b.Commitment
			f.LeafIndex = b.LeafIndex
			if outPath != "" {
				raw, err := json.MarshalIndent(&f, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outPath, raw, 0o644); err != nil {
					return err
				}
				log.Info("Wrote proof bundle", "path", outPath, "leaf", b.LeafIndex)
			}
			_, err = tx.Withdraw(ctx, a.sender, b, p)
			return err
		},
	}
	cmd.Flags().StringVar(&f.Recipient, "recipient", "", "address receiving the withdrawal")
	cmd.Flags().StringVar(&f.Relayer, "relayer", "", "relayer address bound into the proof")
	cmd.Flags().StringVar(&f.Fee, "fee", "", "relayer fee in base units (default 0)")
	cmd.Flags().StringVar(&f.Refund, "refund", "", "refund in base units (default 0)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the proof bundle to this file")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("relayer")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var (
		bundlePath string
		checkRoot  bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a proof bundle against the keys in --keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(bundlePath)
			if err != nil {
				return err
			}
			var f bundleFile
			if err := json.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("decode %s: %w", bundlePath, err)
			}
			p, err := f.params()
			if err != nil {
				return err
			}
			eng, err := engine.New(f.Levels, engine.WithKeyDir(a.keyDir))
			if err != nil {
				return err
			}
			if eng.Fingerprint() != f.Fingerprint {
				return fmt.Errorf("bundle was proven for circuit %s, keys are for %s", f.Fingerprint, eng.Fingerprint())
			}
			b := &proof.Bundle{
				Proof:         f.Proof,
				Root:          f.Root,
				NullifierHash: f.NullifierHash,
				Commitment:    f.Commitment,
				LeafIndex:     f.LeafIndex,
			}
			if err := eng.Verify(b, p); err != nil {
				return err
			}

			if checkRoot {
				ctx := cmd.Context()
				c, err := a.client(ctx)
				if err != nil {
					return err
				}
				known, err := c.KnownRoot(ctx, f.Contract, f.Root)
				if err != nil {
					return err
				}
				if !known {
					return errors.New("proof root is no longer in the contract's root history")
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "proof verified")
			return nil
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "proof bundle written by withdraw --out")
	cmd.Flags().BoolVar(&checkRoot, "check-root", false, "also require the root to be in the contract's history")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}
