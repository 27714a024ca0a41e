package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/hashed-guard/internal/agent"
)

var errNoControlPlane = errors.New("no control plane configured: set backend.url or sync.postgres_url")

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and synchronise policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the rules the agent would enforce from local sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAgent(cmd, func(a *agent.Agent) error {
			return printJSON(cmd, a.Policy().Export())
		})
	},
}

var policySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch policies from the control plane and print the merged result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAgent(cmd, func(a *agent.Agent) error {
			c := a.Coordinator()
			if c == nil {
				return errNoControlPlane
			}
			n, err := c.SyncPolicies(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "synced %d rules\n", n)
			return printJSON(cmd, a.Policy().Export())
		})
	},
}

var policyPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish local policies to the control plane",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAgent(cmd, func(a *agent.Agent) error {
			c := a.Coordinator()
			if c == nil {
				return errNoControlPlane
			}
			if _, err := c.RegisterAgentOnce(cmd.Context()); err != nil {
				return err
			}
			var (
				n   int
				err error
			)
			if f := a.PolicyFile(); f != nil {
				n, err = c.PushLocalPolicies(cmd.Context(), f)
			} else {
				n, err = c.PushEnginePolicies(cmd.Context())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d rules\n", n)
			return err
		})
	},
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policySyncCmd)
	policyCmd.AddCommand(policyPushCmd)
}

// withAgent собирает агента без фоновых задач и закрывает его после fn.
func withAgent(cmd *cobra.Command, fn func(a *agent.Agent) error) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := agent.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return errors.Join(fn(a), a.Shutdown(cmd.Context()))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
