package iptables

import (
	"context"
	"strings"
	"testing"
)

type call struct {
	method string
	args   []string
}

type fakeIPTables struct {
	calls []call
	rules map[string][]string
}

func newFakeIPTables(rules map[string][]string) *fakeIPTables {
	return &fakeIPTables{rules: rules}
}

func (f *fakeIPTables) CreateChain(ctx context.Context, name string) error {
	f.calls = append(f.calls, call{"CreateChain", []string{name}})
	return nil
}
func (f *fakeIPTables) RemoveChain(ctx context.Context, name string) error {
	f.calls = append(f.calls, call{"RemoveChain", []string{name}})
	return nil
}
func (f *fakeIPTables) AddRule(ctx context.Context, chainName, rule string) error {
	f.calls = append(f.calls, call{"AddRule", []string{chainName, rule}})
	return nil
}
func (f *fakeIPTables) InsertRule(ctx context.Context, chainName, rule string, index int) error {
	f.calls = append(f.calls, call{"InsertRule", []string{chainName, rule}})
	return nil
}
func (f *fakeIPTables) ListRules(ctx context.Context, chainName string) ([]string, error) {
	return f.rules[chainName], nil
}
func (f *fakeIPTables) RemoveRule(ctx context.Context, chainName, rule string) error {
	f.calls = append(f.calls, call{"RemoveRule", []string{chainName, rule}})
	return nil
}

func (f *fakeIPTables) findCall(method string, argPrefix string) bool {
	for _, c := range f.calls {
		if c.method != method {
			continue
		}
		for _, a := range c.args {
			if strings.HasPrefix(a, argPrefix) {
				return true
			}
		}
	}
	return false
}

func TestSafeTables_Normal(t *testing.T) {
	fake := newFakeIPTables(map[string][]string{"OUTPUT": nil})

	st, err := New(context.Background(), fake, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !fake.findCall("CreateChain", "MIRRORD_PREROUTING_REDIRECT_") {
		t.Error("expected a PREROUTING chain to be created")
	}
	if !fake.findCall("AddRule", "") {
		t.Error("expected an entrypoint rule to be added")
	}

	if err := st.AddRedirect(context.Background(), 69, 420); err != nil {
		t.Fatalf("AddRedirect: %v", err)
	}
	found := false
	for _, c := range fake.calls {
		if c.method == "AddRule" && len(c.args) == 2 &&
			c.args[1] == "-m tcp -p tcp --dport 69 -j REDIRECT --to-ports 420" {
			found = true
		}
	}
	if !found {
		t.Error("expected redirect rule for 69 -> 420")
	}

	if err := st.RemoveRedirect(context.Background(), 69, 420); err != nil {
		t.Fatalf("RemoveRedirect: %v", err)
	}
	if err := st.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fake.findCall("RemoveChain", "MIRRORD_PREROUTING_REDIRECT_") {
		t.Error("expected the chain to be removed on Close")
	}
}

func TestSafeTables_MeshDetection(t *testing.T) {
	fake := newFakeIPTables(map[string][]string{
		"OUTPUT": {"-j PROXY_INIT_OUTPUT"},
		"PROXY_INIT_OUTPUT": {
			"-N PROXY_INIT_OUTPUT",
			`-A PROXY_INIT_OUTPUT -m owner --uid-owner 2102 -j RETURN`,
			"-A PROXY_INIT_OUTPUT -o lo -j RETURN",
		},
	})

	st, err := New(context.Background(), fake, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Mesh mode installs both a PREROUTING chain and an OUTPUT chain.
	created := 0
	for _, c := range fake.calls {
		if c.method == "CreateChain" {
			created++
		}
	}
	if created != 2 {
		t.Fatalf("got %d CreateChain calls, want 2 (prerouting + output)", created)
	}

	if err := st.AddRedirect(context.Background(), 69, 420); err != nil {
		t.Fatalf("AddRedirect: %v", err)
	}

	var sawUIDFilter bool
	for _, c := range fake.calls {
		if c.method == "AddRule" && len(c.args) == 2 && strings.Contains(c.args[1], "--uid-owner 2102") {
			sawUIDFilter = true
		}
	}
	if !sawUIDFilter {
		t.Error("expected mesh redirect rule to carry the sidecar's uid-owner filter")
	}
}

func TestDetectFormatter_Normal(t *testing.T) {
	fake := newFakeIPTables(map[string][]string{"OUTPUT": nil})
	f, err := detectFormatter(context.Background(), fake)
	if err != nil {
		t.Fatalf("detectFormatter: %v", err)
	}
	if f.isMesh() {
		t.Error("expected Normal formatter when OUTPUT has no mesh marker")
	}
}

func TestDetectFormatter_Istio(t *testing.T) {
	fake := newFakeIPTables(map[string][]string{"OUTPUT": {"-j ISTIO_OUTPUT"}})
	f, err := detectFormatter(context.Background(), fake)
	if err != nil {
		t.Fatalf("detectFormatter: %v", err)
	}
	if !f.isMesh() || f.meshOutputChain != "ISTIO_OUTPUT" {
		t.Errorf("got %+v, want mesh=ISTIO_OUTPUT", f)
	}
}

func TestChainNameEnvOverride(t *testing.T) {
	t.Setenv(PrerountingNameEnv, "MY_CUSTOM_CHAIN")
	c := preroutingChain("")
	if c.name != "MY_CUSTOM_CHAIN" {
		t.Errorf("name = %q, want MY_CUSTOM_CHAIN", c.name)
	}
}
