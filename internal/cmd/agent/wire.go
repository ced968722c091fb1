package agent

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the agent-side runtime.
var ProviderSet = wire.NewSet(NewAgent)
