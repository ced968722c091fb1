package pki

import (
	"fmt"
	"time"
)

// ProvideCA is a Wire provider that builds the deterministic CA used to
// authenticate the control transport. The CA is derived from the seed on
// every startup rather than persisted to disk: an agent restart, or a
// redeployed pod given the same seed, produces a byte-identical CA
// certificate, so layer certificates issued before the restart stay valid
// without any on-disk CA state to manage, rotate, or lose.
//
// The seed is expected to come from internal/config's TunnelCASeed,
// leafValidity from its TunnelCertValidity.
func ProvideCA(seed string, leafValidity time.Duration) (*CA, error) {
	if seed == "" {
		return nil, fmt.Errorf("pki: empty CA seed")
	}
	ca, err := NewCAFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return ca.WithLeafValidity(leafValidity), nil
}
