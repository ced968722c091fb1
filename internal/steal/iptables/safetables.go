package iptables

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// SafeTables installs the redirect chains on construction and tears
// them down on Close, the same lifecycle as the original's
// create-on-new/remove-on-drop wrapper: connections flow
// PREROUTING -> our chain -> REDIRECT (on match) or RETURN (fallback)
// -> the node's original chain.
type SafeTables struct {
	ipt              IPTables
	chains           []chain
	flushConnections bool

	mu sync.Mutex
}

// New detects the node's iptables topology (plain vs. service-mesh),
// installs the managed chains, and returns a SafeTables ready to
// accept redirect rules. flushConnections controls whether a
// conntrack entry is flushed every time a redirect is added, forcing
// in-flight connections on the target port to be re-routed through
// the new rule instead of continuing on their original path.
func New(ctx context.Context, ipt IPTables, flushConnections bool) (*SafeTables, error) {
	f, err := detectFormatter(ctx, ipt)
	if err != nil {
		return nil, fmt.Errorf("iptables: detect formatter: %w", err)
	}

	chains, err := f.chains(ctx, ipt)
	if err != nil {
		return nil, fmt.Errorf("iptables: resolve chains: %w", err)
	}

	for _, c := range chains {
		if err := ipt.CreateChain(ctx, c.name); err != nil {
			return nil, fmt.Errorf("iptables: create chain %s: %w", c.name, err)
		}
		if bypass := f.bypassOwnPacketsRule(os.Getgid()); bypass != "" {
			if err := ipt.AddRule(ctx, c.name, bypass); err != nil {
				return nil, fmt.Errorf("iptables: add bypass rule to %s: %w", c.name, err)
			}
		}
		entrypoint, rule := c.entrypoint()
		if err := ipt.AddRule(ctx, entrypoint, rule); err != nil {
			return nil, fmt.Errorf("iptables: add entrypoint rule to %s: %w", entrypoint, err)
		}
	}

	return &SafeTables{ipt: ipt, chains: chains, flushConnections: flushConnections}, nil
}

// AddRedirect installs, in every managed chain, a rule redirecting
// packets destined for redirectedPort to targetPort (the agent's
// listener). When the SafeTables was built with flushConnections, every
// conntrack entry whose original destination port is targetPort is
// flushed, best effort (see flushConntrack).
func (s *SafeTables) AddRedirect(ctx context.Context, redirectedPort, targetPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.chains {
		name, rule := c.redirectRule(redirectedPort, targetPort)
		if err := s.ipt.AddRule(ctx, name, rule); err != nil {
			return fmt.Errorf("iptables: add redirect to %s: %w", name, err)
		}
	}

	if s.flushConnections {
		flushConntrack(ctx, targetPort)
	}
	return nil
}

// RemoveRedirect undoes AddRedirect for the same port pair.
func (s *SafeTables) RemoveRedirect(ctx context.Context, redirectedPort, targetPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.chains {
		name, rule := c.redirectRule(redirectedPort, targetPort)
		if err := s.ipt.RemoveRule(ctx, name, rule); err != nil {
			return fmt.Errorf("iptables: remove redirect from %s: %w", name, err)
		}
	}
	return nil
}

// Close removes every managed chain and its entrypoint rule, restoring
// the node's iptables state to what it was before New.
func (s *SafeTables) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, c := range s.chains {
		if err := c.remove(ctx, s.ipt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushConntrack deletes tracked TCP connections destined for port,
// best-effort: every failure, including a missing conntrack binary or
// a "no matching entry" exit code, is discarded and nothing is
// reported or logged.
func flushConntrack(ctx context.Context, port uint16) {
	cmd := exec.CommandContext(ctx, "conntrack",
		"--delete", "--proto", "tcp", "--orig-port-dst", strconv.Itoa(int(port)))
	_ = cmd.Run()
}
