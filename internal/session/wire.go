package session

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the session registry.
var ProviderSet = wire.NewSet(NewRegistry)
