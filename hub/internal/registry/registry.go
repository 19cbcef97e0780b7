// Package registry tracks connected clients, their capabilities and
// identities, and fans messages out to selected subsets of them.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amurg-ai/toolbridge/hub/internal/validation"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
	"github.com/amurg-ai/toolbridge/pkg/socket"
)

// User is the identity attached to a connection at registration.
type User struct {
	UserID          string   `json:"userId,omitempty"`
	IsAuthenticated bool     `json:"isAuthenticated"`
	Permissions     []string `json:"permissions"`
}

// ClientConnection is one registered client. It is immutable after
// Register returns it.
type ClientConnection struct {
	ID           string
	Type         protocol.ClientType
	Capabilities map[string]struct{}
	Metadata     map[string]any
	UserAgent    string
	Socket       socket.Socket
	ConnectedAt  time.Time
	User         User
}

// HasCapability reports an exact match or the all_tools sentinel.
func (c *ClientConnection) HasCapability(capability string) bool {
	if _, ok := c.Capabilities[protocol.CapabilityAllTools]; ok {
		return true
	}
	_, ok := c.Capabilities[capability]
	return ok
}

// CapabilityList returns the capabilities in sorted order.
func (c *ClientConnection) CapabilityList() []string {
	out := make([]string, 0, len(c.Capabilities))
	for k := range c.Capabilities {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registration is the client-declared part of a ClientConnection.
type Registration struct {
	ClientType   protocol.ClientType
	Capabilities []string
	UserAgent    string
	Metadata     map[string]any
	User         *User // nil registers an anonymous user
}

// Selector picks clients for Broadcast.
type Selector func(*ClientConnection) bool

func All() Selector { return func(*ClientConnection) bool { return true } }

func ByType(t protocol.ClientType) Selector {
	return func(c *ClientConnection) bool { return c.Type == t }
}

func ByCapability(capability string) Selector {
	return func(c *ClientConnection) bool { return c.HasCapability(capability) }
}

// Stats summarizes the registry.
type Stats struct {
	Total         int                         `json:"total"`
	ByType        map[protocol.ClientType]int `json:"byType"`
	Authenticated int                         `json:"authenticated"`
}

// Registry is safe for concurrent use. Sends never happen under its lock.
type Registry struct {
	limits validation.Limits
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*ClientConnection
}

// New creates an empty registry enforcing limits on registration.
func New(logger *slog.Logger, limits validation.Limits) *Registry {
	return &Registry{
		limits:  limits,
		logger:  logger.With("component", "registry"),
		now:     time.Now,
		clients: make(map[string]*ClientConnection),
	}
}

// Register validates reg and stores a connection keyed by the socket id.
// A second registration on the same socket replaces the first. Invalid
// input returns a *validation.Error and stores nothing.
func (r *Registry) Register(sock socket.Socket, reg Registration) (*ClientConnection, error) {
	if err := validation.ValidateRegistration(reg.Capabilities, reg.UserAgent, reg.Metadata, r.limits); err != nil {
		return nil, err
	}

	clientType := reg.ClientType
	if !clientType.Known() {
		clientType = protocol.ClientUnknown
	}
	caps := make(map[string]struct{}, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		caps[c] = struct{}{}
	}
	user := User{Permissions: []string{}}
	if reg.User != nil {
		user = *reg.User
		user.Permissions = append([]string{}, reg.User.Permissions...)
	}

	cc := &ClientConnection{
		ID:           sock.ID(),
		Type:         clientType,
		Capabilities: caps,
		Metadata:     validation.SanitizeMetadata(reg.Metadata),
		UserAgent:    reg.UserAgent,
		Socket:       sock,
		ConnectedAt:  r.now(),
		User:         user,
	}

	r.mu.Lock()
	_, replaced := r.clients[cc.ID]
	r.clients[cc.ID] = cc
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("client registered",
		"client_id", cc.ID, "client_type", cc.Type,
		"capabilities", len(caps), "authenticated", user.IsAuthenticated,
		"replaced", replaced, "total", total)
	return cc, nil
}

// Get returns the client with the given id.
func (r *Registry) Get(id string) (*ClientConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.clients[id]
	return cc, ok
}

// GetAll returns every client, oldest first.
func (r *Registry) GetAll() []*ClientConnection {
	return r.Select(All())
}

func (r *Registry) GetByType(t protocol.ClientType) []*ClientConnection {
	return r.Select(ByType(t))
}

func (r *Registry) GetByCapability(capability string) []*ClientConnection {
	return r.Select(ByCapability(capability))
}

// Select returns the matching clients ordered by connect time.
func (r *Registry) Select(sel Selector) []*ClientConnection {
	r.mu.RLock()
	out := make([]*ClientConnection, 0, len(r.clients))
	for _, cc := range r.clients {
		if sel(cc) {
			out = append(out, cc)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove deletes a client and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok {
		r.logger.Info("client removed", "client_id", id)
	}
	return ok
}

// Broadcast sends to every selected client and returns how many sends
// succeeded. A client whose send fails is logged and pruned; the rest of
// the broadcast continues.
func (r *Registry) Broadcast(sel Selector, event string, data any) int {
	targets := r.Select(sel)
	sent := 0
	for _, cc := range targets {
		if err := cc.Socket.Send(event, data); err != nil {
			r.logger.Warn("broadcast send failed, pruning client",
				"client_id", cc.ID, "type", event, "error", err)
			r.removeIfSame(cc)
			continue
		}
		sent++
	}
	return sent
}

// removeIfSame prunes cc unless its socket re-registered in the meantime.
// The socket is closed so the connection's read loop ends and its pending
// executions are rejected.
func (r *Registry) removeIfSame(cc *ClientConnection) {
	r.mu.Lock()
	cur, ok := r.clients[cc.ID]
	pruned := ok && cur == cc
	if pruned {
		delete(r.clients, cc.ID)
	}
	r.mu.Unlock()
	if pruned {
		_ = cc.Socket.Close()
	}
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.clients), ByType: make(map[protocol.ClientType]int)}
	for _, cc := range r.clients {
		s.ByType[cc.Type]++
		if cc.User.IsAuthenticated {
			s.Authenticated++
		}
	}
	return s
}
