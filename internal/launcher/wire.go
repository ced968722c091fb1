package launcher

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the AgentLauncher collaborator.
var ProviderSet = wire.NewSet(
	NewClientGoLauncher,
	wire.Bind(new(AgentLauncher), new(*ClientGoLauncher)),
)
