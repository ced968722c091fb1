package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func TestNewCAFromSeed(t *testing.T) {
	ca, err := NewCAFromSeed("seed-a")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if len(ca.CertPEM()) == 0 {
		t.Error("expected non-empty cert PEM")
	}

	block, _ := pem.Decode(ca.CertPEM())
	if block == nil {
		t.Fatal("failed to decode CA cert PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if !cert.IsCA {
		t.Error("expected IsCA to be true")
	}
	if cert.Subject.CommonName != "netshift-ca" {
		t.Errorf("expected CN=netshift-ca, got %s", cert.Subject.CommonName)
	}
	if cert.MaxPathLen > 0 {
		t.Errorf("expected MaxPathLen<=0, got %d", cert.MaxPathLen)
	}
}

func TestNewCAFromSeed_DeterministicPerSeed(t *testing.T) {
	ca1, err := NewCAFromSeed("same-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca2, err := NewCAFromSeed("same-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	// The same seed must always produce a byte-identical CA certificate,
	// so that a restarted agent's CA still validates certs it signed
	// before the restart.
	if !bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected identical CA certs from two NewCAFromSeed calls with the same seed")
	}
}

func TestNewCAFromSeed_DifferentSeedsDiffer(t *testing.T) {
	ca1, err := NewCAFromSeed("seed-one")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca2, err := NewCAFromSeed("seed-two")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected different CA certs for different seeds")
	}
}

func TestSignCSR(t *testing.T) {
	ca, err := NewCAFromSeed("sign-csr-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	key, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	csrPEM, err := GenerateCSR(key, "test-agent")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	certPEM, err := ca.SignCSR(csrPEM)
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("failed to decode signed cert PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if cert.Subject.CommonName != "test-agent" {
		t.Errorf("expected CN=test-agent, got %s", cert.Subject.CommonName)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestSignCSR_InvalidPEM(t *testing.T) {
	ca, err := NewCAFromSeed("invalid-pem-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if _, err := ca.SignCSR([]byte("not-a-pem")); err == nil {
		t.Error("expected error for invalid PEM, got nil")
	}
}

func TestSignCSR_TamperedSignature(t *testing.T) {
	ca, err := NewCAFromSeed("tamper-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	key, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	csrPEM, err := GenerateCSR(key, "tampered")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	block, _ := pem.Decode(csrPEM)
	tampered := bytes.Clone(block.Bytes)
	tampered[len(tampered)-1] ^= 0xFF
	tamperedPEM := pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: tampered})

	if _, err := ca.SignCSR(tamperedPEM); err == nil {
		t.Error("expected signature check to fail for tampered CSR")
	}
}

func TestGenerateServerCert(t *testing.T) {
	ca, err := NewCAFromSeed("server-cert-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	certPEM, keyPEM, err := ca.GenerateServerCert("127.0.0.1", "example.com")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}

	if len(certPEM) == 0 {
		t.Error("expected non-empty cert PEM")
	}
	if len(keyPEM) == 0 {
		t.Error("expected non-empty key PEM")
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("failed to decode server cert PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("expected IP SAN 127.0.0.1, got %v", cert.IPAddresses)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "example.com" {
		t.Errorf("expected DNS SAN example.com, got %v", cert.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestDeriveAuth(t *testing.T) {
	ca, err := NewCAFromSeed("derive-auth-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	key, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	csrPEM, err := GenerateCSR(key, "agent-1")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	certPEM, err := ca.SignCSR(csrPEM)
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}

	auth1, err := DeriveAuth("agent-1", certPEM)
	if err != nil {
		t.Fatalf("DeriveAuth: %v", err)
	}

	auth2, err := DeriveAuth("agent-1", certPEM)
	if err != nil {
		t.Fatalf("DeriveAuth: %v", err)
	}

	if auth1 != auth2 {
		t.Error("expected deterministic auth string, got different results")
	}

	if len(auth1) < len("agent-1:")+1 {
		t.Errorf("auth string too short: %s", auth1)
	}
	if auth1[:len("agent-1:")] != "agent-1:" {
		t.Errorf("expected auth to start with agent-1:, got %s", auth1)
	}
}

func TestDeriveAuth_InvalidPEM(t *testing.T) {
	if _, err := DeriveAuth("agent", []byte("not-a-pem")); err == nil {
		t.Error("expected error for invalid PEM, got nil")
	}
}

func TestGenerateKey_And_CSR(t *testing.T) {
	key, keyPEM, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if key == nil {
		t.Fatal("expected non-nil key")
	}
	if len(keyPEM) == 0 {
		t.Fatal("expected non-empty key PEM")
	}

	csrPEM, err := GenerateCSR(key, "test-cn")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatal("expected CERTIFICATE REQUEST PEM block")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("parse CSR: %v", err)
	}

	if csr.Subject.CommonName != "test-cn" {
		t.Errorf("expected CN=test-cn, got %s", csr.Subject.CommonName)
	}
}

func TestProvideCA(t *testing.T) {
	ca1, err := ProvideCA("provider-seed", time.Hour)
	if err != nil {
		t.Fatalf("ProvideCA: %v", err)
	}
	ca2, err := ProvideCA("provider-seed", time.Hour)
	if err != nil {
		t.Fatalf("ProvideCA: %v", err)
	}

	if !bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected ProvideCA to be deterministic for the same seed")
	}

	if _, err := ProvideCA("", time.Hour); err == nil {
		t.Error("expected error for empty seed")
	}
}

func TestSignCSR_HonorsConfiguredLeafValidity(t *testing.T) {
	ca, err := NewCAFromSeed("leaf-validity-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca.WithLeafValidity(2 * time.Hour)

	key, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	csrPEM, err := GenerateCSR(key, "validity-agent")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	certPEM, err := ca.SignCSR(csrPEM)
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	got := cert.NotAfter.Sub(cert.NotBefore)
	// NotBefore is backdated by 5 minutes, so the window is validity+5m.
	want := 2*time.Hour + 5*time.Minute
	if got != want {
		t.Errorf("cert validity window = %v, want %v", got, want)
	}
}

func TestWithLeafValidity_IgnoresNonPositive(t *testing.T) {
	ca, err := NewCAFromSeed("leaf-validity-default-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca.WithLeafValidity(0)

	if ca.leafValidity != defaultCertValidity {
		t.Errorf("leafValidity = %v, want default %v", ca.leafValidity, defaultCertValidity)
	}
}
