package pipe

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the in-memory pipe listener.
var ProviderSet = wire.NewSet(NewListener)
