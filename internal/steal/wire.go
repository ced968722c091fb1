package steal

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the steal subsystem: the
// shared Manager (steal mode) plus the MirrorManager adapter (legacy
// non-stealing Tcp mode) that wraps it for dispatcher.TcpSubsystem.
var ProviderSet = wire.NewSet(
	New,
	NewMirrorManager,
)
