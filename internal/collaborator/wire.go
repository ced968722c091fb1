package collaborator

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the out-of-scope File/DNS/Env
// collaborator boundaries.
var ProviderSet = wire.NewSet(NewFile, NewDns, NewEnv)
