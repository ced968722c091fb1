// Package session allocates the per-connection identity a Dispatcher
// session is known by. The wire protocol addresses a session by its
// monotonic protocol.ClientId, but that counter resets with the agent
// process and is meaningless in a log line once several layers have
// connected and disconnected; Registry additionally mints an opaque,
// globally unique Token for each session so operators and log
// aggregation can correlate one layer's activity across reconnects
// without reading back the numeric id.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// Token is an opaque per-session correlator, independent of the
// wire-level ClientId, suitable for log lines and the pod-launch
// annotations internal/launcher attaches to an agent pod.
type Token string

// NewToken mints a fresh Token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Sender is the narrow surface a *dispatcher.Session exposes back to
// Registry: enough to deliver one DaemonMessage to that specific
// session's outbound queue.
type Sender interface {
	Send(msg protocol.DaemonMessage)
}

// Registry allocates ClientIds for newly accepted control-transport
// connections, remembers each one's Token until the session closes,
// and routes a steal/mirror subsystem's per-client sends to the right
// live session. It is the single place that answers "what sessions
// are open, and how do I reach one by ClientId" for every collaborator
// that is shared across sessions instead of owned by one (unlike
// internal/outgoing's Tcp/Udp, which are constructed per session).
type Registry struct {
	mu       sync.Mutex
	nextID   protocol.ClientId
	tokens   map[protocol.ClientId]Token
	sessions map[protocol.ClientId]Sender
}

// NewRegistry returns an empty Registry. ClientId allocation starts at
// 1 so the zero value stays reserved for "no session".
func NewRegistry() *Registry {
	return &Registry{
		nextID:   1,
		tokens:   make(map[protocol.ClientId]Token),
		sessions: make(map[protocol.ClientId]Sender),
	}
}

// Open allocates the next ClientId and a fresh Token for it.
func (r *Registry) Open() (protocol.ClientId, Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	token := NewToken()
	r.tokens[id] = token
	return id, token
}

// Token returns the Token minted for id, if its session is still open.
func (r *Registry) Token(id protocol.ClientId) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	return t, ok
}

// Attach registers the live session's Sender under id, making it
// reachable via Registry.Send. Call once the dispatcher.Session for
// id has been constructed.
func (r *Registry) Attach(id protocol.ClientId, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

// Send delivers msg to id's session, if it's still attached. Used to
// satisfy the Sender interfaces internal/steal and internal/httpfilter
// depend on, both of which serve every client from one shared
// listener and address a specific recipient per message.
func (r *Registry) Send(id protocol.ClientId, msg protocol.DaemonMessage) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.Send(msg)
	}
}

// Close forgets id's Token and detaches its session once it has ended.
func (r *Registry) Close(id protocol.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, id)
	delete(r.sessions, id)
}

type contextKey struct{}

var tokenKey = contextKey{}

// WithToken attaches a session Token to ctx, so collaborators several
// calls removed from Registry can still log it.
func WithToken(ctx context.Context, token Token) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext retrieves the Token attached by WithToken, if any.
func TokenFromContext(ctx context.Context) (Token, bool) {
	t, ok := ctx.Value(tokenKey).(Token)
	return t, ok
}
