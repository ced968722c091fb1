package agent

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/otterscale/netshift-agent/internal/pki"
)

func TestAgent_RegisterSignsLeafCertOffLocalCA(t *testing.T) {
	ca, err := pki.NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	a := &Agent{ca: ca}
	register := a.register(":8302")

	result, err := register(context.Background(), "http://unused", "my-agent")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if result.Endpoint != ":8302" {
		t.Errorf("Endpoint = %q, want :8302", result.Endpoint)
	}
	if result.Auth == "" {
		t.Error("expected a non-empty derived auth string")
	}
	if string(result.CACertPEM) != string(ca.CertPEM()) {
		t.Error("expected CACertPEM to match the local CA's cert")
	}

	block, _ := pem.Decode(result.CertPEM)
	if block == nil {
		t.Fatal("failed to decode leaf cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}
	if cert.Subject.CommonName != "my-agent" {
		t.Errorf("CommonName = %q, want my-agent", cert.Subject.CommonName)
	}
	if cert.IsCA {
		t.Error("expected leaf cert to not be a CA")
	}
}

func TestAgent_RegisterDerivesMatchingAuth(t *testing.T) {
	ca, err := pki.NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	a := &Agent{ca: ca}
	result, err := a.register(":8302")(context.Background(), "", "agent-42")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	wantAuth, err := pki.DeriveAuth("agent-42", result.CertPEM)
	if err != nil {
		t.Fatalf("DeriveAuth: %v", err)
	}
	if result.Auth != wantAuth {
		t.Errorf("Auth = %q, want %q", result.Auth, wantAuth)
	}
}
