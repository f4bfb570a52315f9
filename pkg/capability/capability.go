// Package capability turns a principal's scope claims into the permission
// set that gates group membership changes and message delivery.
//
// A scope has the form "<prefix>.<resourceType>.<resourceName>", for example
// "webpubsub.joinLeaveGroup.lobby" or "webpubsub.sendToGroup.*". Scopes that
// do not parse are ignored, so a principal without valid scopes can do nothing.
package capability

import (
	"sort"
	"strings"
)

// Action is one of the three permission categories a scope can grant.
type Action uint8

const (
	JoinLeaveGroup Action = iota
	SendToGroup
	SendToConnection
)

// Wildcard grants an action on every resource of its type.
const Wildcard = "*"

// DefaultPrefix is the scope prefix issued by Web PubSub token services.
const DefaultPrefix = "webpubsub"

var actionNames = map[string]Action{
	"joinLeaveGroup":   JoinLeaveGroup,
	"sendToGroup":      SendToGroup,
	"sendToConnection": SendToConnection,
}

func (a Action) String() string {
	switch a {
	case JoinLeaveGroup:
		return "joinLeaveGroup"
	case SendToGroup:
		return "sendToGroup"
	case SendToConnection:
		return "sendToConnection"
	default:
		return "unknown"
	}
}

// grant is the resolved permission for one action.
type grant struct {
	any   bool
	names map[string]struct{}
}

func (g grant) allows(name string) bool {
	if name == "" {
		return false
	}
	if g.any {
		return true
	}
	_, ok := g.names[name]
	return ok
}

// Set is an immutable permission set. The zero value grants nothing.
type Set struct {
	grants [3]grant
}

// Parse builds a Set from scope claims. Unknown resource types, missing
// segments and empty resource names are skipped.
func Parse(scopes []string) Set {
	var s Set
	for _, scope := range scopes {
		action, resource, ok := parseScope(scope)
		if !ok {
			continue
		}
		g := &s.grants[action]
		if resource == Wildcard {
			g.any = true
			continue
		}
		if g.names == nil {
			g.names = make(map[string]struct{})
		}
		g.names[resource] = struct{}{}
	}
	return s
}

// parseScope splits on the first two dots only, so resource names may contain
// dots themselves.
func parseScope(scope string) (Action, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(scope), ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return 0, "", false
	}
	action, ok := actionNames[parts[1]]
	if !ok {
		return 0, "", false
	}
	return action, parts[2], true
}

// Allows reports whether the set grants action on resource.
func (s Set) Allows(action Action, resource string) bool {
	if int(action) >= len(s.grants) {
		return false
	}
	return s.grants[action].allows(resource)
}

func (s Set) CanJoinOrLeaveGroup(group string) bool {
	return s.Allows(JoinLeaveGroup, group)
}

func (s Set) CanSendToGroup(group string) bool {
	return s.Allows(SendToGroup, group)
}

func (s Set) CanSendToConnection(connectionID string) bool {
	return s.Allows(SendToConnection, connectionID)
}

// HasWildcard reports whether action is granted on every resource.
func (s Set) HasWildcard(action Action) bool {
	if int(action) >= len(s.grants) {
		return false
	}
	return s.grants[action].any
}

// IsZero reports whether the set grants nothing at all.
func (s Set) IsZero() bool {
	for _, g := range s.grants {
		if g.any || len(g.names) > 0 {
			return false
		}
	}
	return true
}

// Scopes returns the canonical scope strings of the set, sorted.
func (s Set) Scopes() []string {
	var out []string
	for i, g := range s.grants {
		prefix := DefaultPrefix + "." + Action(i).String() + "."
		if g.any {
			out = append(out, prefix+Wildcard)
		}
		for name := range g.names {
			out = append(out, prefix+name)
		}
	}
	sort.Strings(out)
	return out
}
