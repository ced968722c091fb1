package iptables

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strings"
)

// Environment variable overrides for the generated chain names, kept
// for operators who need a stable, predictable chain name across
// restarts (e.g. for firewall auditing tooling).
const (
	PrerountingNameEnv = "MIRRORD_IPTABLE_PREROUTING_NAME"
	OutputNameEnv       = "MIRRORD_IPTABLE_OUTPUT_NAME"
)

var (
	uidLookupRegex      = regexp.MustCompile(`-m owner --uid-owner \d+`)
	skipPortsLookupRegex = regexp.MustCompile(`-p tcp -m multiport --dports ([\d:,]+)`)
)

const chainNameCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chainNameCharset[rand.Intn(len(chainNameCharset))]
	}
	return string(b)
}

// chain is one managed iptables chain: PREROUTING for incoming
// connections, OUTPUT for mesh sidecar traffic that loops back through
// localhost.
type chain struct {
	name           string
	entrypointName string
	entrypointRule string
	redirectFilter string
}

func preroutingChain(entrypointPrefix string) chain {
	name := os.Getenv(PrerountingNameEnv)
	if name == "" {
		name = "MIRRORD_PREROUTING_REDIRECT_" + randomSuffix(5)
	}

	rule := "-j " + name
	if entrypointPrefix != "" {
		rule = entrypointPrefix + " " + rule
	}

	return chain{
		name:           name,
		entrypointName: "PREROUTING",
		entrypointRule: rule,
	}
}

func outputChain(redirectFilter string) chain {
	name := os.Getenv(OutputNameEnv)
	if name == "" {
		name = "MIRRORD_OUTPUT_REDIRECT_" + randomSuffix(5)
	}

	return chain{
		name:           name,
		entrypointName: "OUTPUT",
		entrypointRule: "-j " + name,
		redirectFilter: redirectFilter,
	}
}

func (c chain) entrypoint() (string, string) {
	return c.entrypointName, c.entrypointRule
}

func (c chain) redirectRule(redirectedPort, targetPort uint16) (string, string) {
	rule := fmt.Sprintf("-m tcp -p tcp --dport %d -j REDIRECT --to-ports %d", redirectedPort, targetPort)
	if c.redirectFilter != "" {
		rule = c.redirectFilter + " " + rule
	}
	return c.name, rule
}

func (c chain) remove(ctx context.Context, ipt IPTables) error {
	if err := ipt.RemoveRule(ctx, c.entrypointName, c.entrypointRule); err != nil {
		return err
	}
	return ipt.RemoveChain(ctx, c.name)
}

// formatter detects whether the node is running a service mesh sidecar
// (Istio, Linkerd via the proxy-init convention) that already installs
// its own OUTPUT-chain redirect, and derives the chain set and
// bypass-own-packets rule accordingly.
type formatter struct {
	meshOutputChain string // empty when Normal (no mesh detected)
}

var meshOutputMarkers = []struct {
	contains string
	chain    string
}{
	{"-j PROXY_INIT_OUTPUT", "PROXY_INIT_OUTPUT"},
	{"-j ISTIO_OUTPUT", "ISTIO_OUTPUT"},
}

func detectFormatter(ctx context.Context, ipt IPTables) (formatter, error) {
	rules, err := ipt.ListRules(ctx, "OUTPUT")
	if err != nil {
		return formatter{}, err
	}
	for _, rule := range rules {
		for _, marker := range meshOutputMarkers {
			if strings.Contains(rule, marker.contains) {
				return formatter{meshOutputChain: marker.chain}, nil
			}
		}
	}
	return formatter{}, nil
}

func (f formatter) isMesh() bool { return f.meshOutputChain != "" }

func (f formatter) chains(ctx context.Context, ipt IPTables) ([]chain, error) {
	if !f.isMesh() {
		return []chain{preroutingChain("")}, nil
	}

	var skipPorts string
	if rules, err := ipt.ListRules(ctx, "PROXY_INIT_REDIRECT"); err == nil {
		for _, rule := range rules {
			if m := skipPortsLookupRegex.FindString(rule); m != "" {
				skipPorts = m
				break
			}
		}
	}
	prerouting := preroutingChain(skipPorts)

	filter := "-o lo"
	if rules, err := ipt.ListRules(ctx, f.meshOutputChain); err == nil {
		for _, rule := range rules {
			if m := uidLookupRegex.FindString(rule); m != "" {
				filter = "-o lo " + m
				break
			}
		}
	}
	output := outputChain(filter)

	return []chain{prerouting, output}, nil
}

// bypassOwnPacketsRule returns the RETURN rule that keeps the agent's
// own outbound packets (sent as the mesh sidecar's gid) from being
// stolen right back, or "" for the Normal (non-mesh) case.
func (f formatter) bypassOwnPacketsRule(gid int) string {
	if !f.isMesh() {
		return ""
	}
	return fmt.Sprintf("-m owner --gid-owner %d -p tcp -j RETURN", gid)
}
