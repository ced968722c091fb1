package tunnel

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the reverse-tunnel bridge
// and client. NewClient's RegisterFunc and NewBridge's pipe.Listener
// are assembled by internal/cmd/agent's Agent.Run, since both depend
// on choices (the local CA, the pipe listener instance) made there.
var ProviderSet = wire.NewSet(NewBridge, NewClient)
