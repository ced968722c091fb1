package httpfilter

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the HTTP steal router.
var ProviderSet = wire.NewSet(NewRouter)
