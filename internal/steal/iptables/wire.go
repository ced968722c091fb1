package iptables

import "github.com/google/wire"

// ProvideExec returns the exec.Command-backed IPTables implementation
// with its default binary name.
func ProvideExec() *Exec {
	return &Exec{}
}

// ProviderSet is the Wire provider set for the iptables collaborator.
var ProviderSet = wire.NewSet(
	ProvideExec,
	wire.Bind(new(IPTables), new(*Exec)),
	New,
)
