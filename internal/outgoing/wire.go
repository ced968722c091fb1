package outgoing

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the outgoing-connection
// subsystems. Tcp and Udp are constructed per client session (they
// take that session's Sender): internal/transport's ControlAcceptor
// calls NewTcp and NewUdp directly for every accepted connection, and
// cmd/netshift-agent's injector does not include this set.
var ProviderSet = wire.NewSet(NewTcp, NewUdp)
