package cmd

import (
	"errors"
	"testing"

	"github.com/otterscale/netshift-agent/internal/cmd/agent"
	"github.com/otterscale/netshift-agent/internal/config"
)

func TestNewAgentCommand_BindsFlags(t *testing.T) {
	conf, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	cmd, err := NewAgentCommand(conf, func() (*agent.Agent, func(), error) {
		return nil, func() {}, nil
	})
	if err != nil {
		t.Fatalf("NewAgentCommand: %v", err)
	}

	if cmd.Flags().Lookup("control-address") == nil {
		t.Error("expected a --control-address flag to be bound")
	}
	if cmd.Flags().Lookup("server-url") == nil {
		t.Error("expected a --server-url flag to be bound")
	}
}

func TestNewAgentCommand_PropagatesInjectorError(t *testing.T) {
	conf, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	wantErr := errors.New("boom")
	cmd, err := NewAgentCommand(conf, func() (*agent.Agent, func(), error) {
		return nil, nil, wantErr
	})
	if err != nil {
		t.Fatalf("NewAgentCommand: %v", err)
	}

	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("expected RunE to propagate the injector error")
	}
}
