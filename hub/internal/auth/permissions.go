package auth

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"

	"github.com/amurg-ai/toolbridge/hub/internal/registry"
)

// ToolPermission is the permission checked before dispatching toolName.
func ToolPermission(toolName string) string { return "tool:" + toolName }

var globCache sync.Map // pattern -> glob.Glob

func compile(pattern string) (glob.Glob, error) {
	if g, ok := globCache.Load(pattern); ok {
		return g.(glob.Glob), nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	globCache.Store(pattern, g)
	return g, nil
}

// Allowed reports whether any of the granted patterns matches perm.
// Patterns use glob syntax, e.g. "tool:*" or "tool:{echo,fetch_page}".
// Malformed patterns match nothing.
func Allowed(granted []string, perm string) bool {
	for _, p := range granted {
		g, err := compile(p)
		if err != nil {
			continue
		}
		if g.Match(perm) {
			return true
		}
	}
	return false
}

// ToolAuthorizer requires a tool:<name> permission on the target client's
// user before a tool is dispatched to it.
type ToolAuthorizer struct{}

func (ToolAuthorizer) Authorize(client *registry.ClientConnection, toolName string) error {
	perm := ToolPermission(toolName)
	if Allowed(client.User.Permissions, perm) {
		return nil
	}
	return fmt.Errorf("client %s lacks %s", client.ID, perm)
}
