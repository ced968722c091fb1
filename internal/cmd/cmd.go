// Package cmd wires internal/config's bound flags to the cobra
// commands cmd/netshift-agent registers. RunE only wires: the actual
// runtime lives in internal/cmd/agent.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otterscale/netshift-agent/internal/cmd/agent"
	"github.com/otterscale/netshift-agent/internal/config"
)

// AgentInjector builds the agent runtime and its Wire cleanup
// function. It's a plain func type rather than a direct Wire
// reference so this package stays independent of the injector's
// build tag.
type AgentInjector func() (*agent.Agent, func(), error)

// NewAgentCommand builds the "agent" subcommand: it binds
// config.AgentOptions to the command's flags and, on execution, asks
// newAgent for a fully wired Agent to run until the command's context
// is cancelled.
func NewAgentCommand(conf *config.Config, newAgent AgentInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Run the netshift agent inside a target pod's network namespace",
		Example: "netshift-agent agent --control-address=:8300 --server-url=https://tunnel.example.com:8301",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := newAgent()
			if err != nil {
				return fmt.Errorf("failed to initialize agent: %w", err)
			}
			defer cleanup()

			cfg := agent.Config{
				AgentID:         conf.AgentID(),
				TunnelServerURL: conf.TunnelServerURL(),
				RemoteEndpoint:  conf.TunnelRemoteEndpoint(),
			}

			return a.Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.AgentOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
