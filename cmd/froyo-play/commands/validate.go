package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-play/pkg/config"
	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/policy"
	"github.com/openfroyo/froyo-play/pkg/resources"
)

func newValidateCommand() *cobra.Command {
	var (
		inventory  string
		policyDirs []string
		check      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "validate PLAN",
		Short: "Validate a plan without running it",
		Long: `Validate a YAML or CUE plan without contacting any host.

This command checks:
  - syntax and unknown fields
  - JSON Schema conformance
  - resource kinds, register names and guard references
  - Rego policies, built-in and from --policy

With --watch the policy directories are watched and the plan is
re-evaluated whenever a policy changes.`,
		Example: `  # Validate a plan
  froyo-play validate site.yml

  # Include inventory host vars when resolving guard names
  froyo-play validate site.yml -i hosts.yml

  # Re-check while editing policies
  froyo-play validate site.yml --policy ./policies --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			path := args[0]

			var inv *engine.Inventory
			if inventory != "" {
				loaded, err := config.LoadInventory(inventory)
				if err != nil {
					return &ExitError{Code: 2, Err: err}
				}
				inv = loaded
			}

			plan, err := loadPlanChecked(out, path, inv, resources.NewRegistry())
			if err != nil {
				return err
			}

			gate, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(policyDirs) > 0 {
				if err := gate.LoadPolicies(ctx, policyDirs); err != nil {
					return &ExitError{Code: 2, Err: err}
				}
			}

			allowed, err := printPolicyResult(ctx, out, gate, plan, check)
			if err != nil {
				return err
			}

			if watch && len(policyDirs) > 0 {
				return watchPolicies(ctx, out, gate, plan, policyDirs, check)
			}
			if !allowed {
				return &ExitError{Code: 2, Reported: true}
			}
			fmt.Fprintf(out, "%s: ok (%d plays, %d tasks)\n", path, len(plan.Plays), countTasks(plan))
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventory, "inventory", "i", "", "inventory file")
	cmd.Flags().StringSliceVar(&policyDirs, "policy", nil, "extra Rego policy files or directories")
	cmd.Flags().BoolVar(&check, "check", false, "evaluate policies as for a check-mode run")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-evaluate when policy files change")

	return cmd
}

func printPolicyResult(ctx context.Context, out io.Writer, gate *policy.Engine, plan *engine.Plan, check bool) (bool, error) {
	result, err := gate.EvaluatePlan(ctx, plan, check)
	if err != nil {
		return false, err
	}
	for _, v := range result.Violations {
		fmt.Fprintf(out, "[policy] %s (%s): %s\n", v.Policy, v.Severity, v.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "[policy] %s (%s): %s\n", w.Policy, w.Severity, w.Message)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "[policy] evaluation error: %s\n", e)
	}
	return result.Allowed, nil
}

func watchPolicies(ctx context.Context, out io.Writer, gate *policy.Engine, plan *engine.Plan, paths []string, check bool) error {
	loader := policy.NewLoader(log.Logger)
	err := loader.Watch(ctx, paths, func(policies []policy.Policy) error {
		if err := gate.SetPolicies(ctx, policies); err != nil {
			fmt.Fprintf(out, "[policy] reload rejected: %v\n", err)
			return err
		}
		fmt.Fprintf(out, "[policy] reloaded %d policies\n", len(policies))
		_, err := printPolicyResult(ctx, out, gate, plan, check)
		return err
	})
	if err != nil {
		return err
	}
	defer func() { _ = loader.StopWatching() }()

	fmt.Fprintln(out, "watching policies, press Ctrl-C to stop")
	<-ctx.Done()
	return nil
}

func countTasks(plan *engine.Plan) int {
	n := 0
	for _, p := range plan.Plays {
		n += len(p.Tasks)
	}
	return n
}
