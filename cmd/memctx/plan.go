package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

func NewPlanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and change organization plans",
	}
	cmd.AddCommand(newPlanGetCmd(a), newPlanSetCmd(a), newPlanInvalidateCmd(a))
	return cmd
}

func newPlanGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the stored plan and the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, _ := scope(cmd)
			plan, err := sys.Plan(cmd.Context(), org)
			if err != nil {
				return err
			}
			sc, cc := sys.Policy.Resolve(cmd.Context(), org)
			return writeJSON(cmd, map[string]any{"plan": plan, "search": sc, "context": cc})
		},
	}
}

func newPlanSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <plan.json|->",
		Short: "Store a plan read from a JSON file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			var raw []byte
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return goerr.Wrap(err, "read plan", goerr.V("source", args[0]))
			}
			var plan model.PlanFeatures
			if err := json.Unmarshal(raw, &plan); err != nil {
				return goerr.Wrap(err, "parse plan")
			}
			if org, _ := scope(cmd); plan.OrganizationID == "" {
				plan.OrganizationID = org
			}
			if err := sys.SetPlan(cmd.Context(), plan); err != nil {
				return err
			}
			return writeJSON(cmd, plan)
		},
	}
}

func newPlanInvalidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached configuration for --org, or for everyone with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			all, _ := cmd.Flags().GetBool("all")
			org, _ := scope(cmd)
			if all {
				sys.Policy.InvalidateAll()
			} else {
				sys.Policy.Invalidate(org)
			}
			return writeJSON(cmd, map[string]any{"invalidated": true, "all": all, "org": org})
		},
	}
	cmd.Flags().Bool("all", false, "Invalidate every organization")
	return cmd
}
