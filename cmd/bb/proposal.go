package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ballotbox/internal/app"
	"ballotbox/internal/domain"
)

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:     "proposal",
		Aliases: []string{"p"},
		Short:   "Create, inspect and vote on proposals",
	}
	p.AddCommand(proposalGetCmd())
	p.AddCommand(proposalCountCmd())
	p.AddCommand(proposalCreateCmd())
	p.AddCommand(proposalEditCmd())
	p.AddCommand(proposalEndCmd())
	p.AddCommand(proposalVoteCmd())
	return p
}

type proposalView struct {
	Key      uint64           `json:"key"`
	Proposal *domain.Proposal `json:"proposal"`
}

func viewOf(key uint64, p domain.Proposal, found bool) proposalView {
	v := proposalView{Key: key}
	if found {
		if p.Voted == nil {
			p.Voted = []domain.Identity{}
		}
		v.Proposal = &p
	}
	return v
}

func printProposal(w io.Writer, v proposalView) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	if v.Proposal == nil {
		fmt.Fprintf(w, "no proposal at key %d\n", v.Key)
		return nil
	}
	p := v.Proposal
	voters := make([]string, 0, len(p.Voted))
	for _, id := range p.Voted {
		voters = append(voters, string(id))
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"Key", v.Key},
		{"Description", p.Description},
		{"Owner", p.Owner},
		{"Active", p.Active},
		{"Approve", p.Approve},
		{"Reject", p.Reject},
		{"Pass", p.Pass},
		{"Voted", strings.Join(voters, ", ")},
	})
	tw.Render()
	return nil
}

// showAfter prints the proposal as stored after a successful change.
func showAfter(ctx context.Context, w io.Writer, st *app.Stack, key uint64) error {
	p, found, err := st.Registry.GetProposal(ctx, key)
	if err != nil {
		return err
	}
	return printProposal(w, viewOf(key, p, found))
}

func proposalGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				return showAfter(ctx, cmd.OutOrStdout(), st, key)
			})
		},
	}
}

func proposalCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Number of stored proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				n, err := st.Registry.GetProposalCount(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]uint64{"count": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func proposalCreateCmd() *cobra.Command {
	var in domain.ProposalInput
	cmd := &cobra.Command{
		Use:   "create <key>",
		Short: "Create a proposal owned by --caller",
		Long:  "Create stores a fresh proposal. A proposal already stored at the key is replaced, votes included.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				prev, existed, err := st.Registry.CreateProposal(ctx, key, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"key":      key,
						"previous": viewOf(key, prev, existed).Proposal,
					})
				}
				if existed {
					fmt.Fprintf(cmd.ErrOrStderr(), "replaced proposal %d owned by %s (%d votes)\n", key, prev.Owner, len(prev.Voted))
				}
				return showAfter(ctx, cmd.OutOrStdout(), st, key)
			})
		},
	}
	cmd.Flags().StringVar(&in.Description, "description", "", "proposal description")
	cmd.Flags().BoolVar(&in.Active, "active", true, "open for voting")
	return cmd
}

func proposalEditCmd() *cobra.Command {
	var in domain.ProposalInput
	cmd := &cobra.Command{
		Use:   "edit <key>",
		Short: "Replace description and active flag (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				if err := st.Registry.EditProposal(ctx, key, in); err != nil {
					return err
				}
				return showAfter(ctx, cmd.OutOrStdout(), st, key)
			})
		},
	}
	cmd.Flags().StringVar(&in.Description, "description", "", "proposal description")
	cmd.Flags().BoolVar(&in.Active, "active", true, "open for voting")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func proposalEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <key>",
		Short: "Close a proposal to voting (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				if err := st.Registry.EndProposal(ctx, key); err != nil {
					return err
				}
				return showAfter(ctx, cmd.OutOrStdout(), st, key)
			})
		},
	}
}

func proposalVoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote <key> <approve|reject|pass>",
		Short: "Vote on a proposal as --caller",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			choice, err := domain.ParseChoice(args[1])
			if err != nil {
				return err
			}
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				if err := st.Registry.Vote(ctx, key, choice); err != nil {
					return err
				}
				return showAfter(ctx, cmd.OutOrStdout(), st, key)
			})
		},
	}
}
