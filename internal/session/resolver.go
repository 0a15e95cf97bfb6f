// Package session maps inbound events to stable conversation identifiers.
package session

import (
	"github.com/crystaldolphin/cirno/internal/bus"
)

// Scope is the isolation scope a session id was resolved under.
type Scope int

const (
	ScopePrivate Scope = iota
	ScopeGlobal
	ScopePerGroup
	ScopePerUserInGroup
)

func (s Scope) String() string {
	switch s {
	case ScopePrivate:
		return "private"
	case ScopeGlobal:
		return "global"
	case ScopePerGroup:
		return "per_group"
	case ScopePerUserInGroup:
		return "per_user_in_group"
	default:
		return "unknown"
	}
}

// Policy is the static isolation configuration.
type Policy struct {
	GlobalUsers      []string // senders sharing one session across every context
	PerUserGroups    []string // groups where each member gets their own session
	AllGroupsPerUser bool     // per-user isolation in every group
}

// Session is a resolved conversation identity.
type Session struct {
	ID    string
	Scope Scope
}

// Resolver is a pure function of its Policy and its inputs.
type Resolver struct {
	globalUsers      map[string]struct{}
	perUserGroups    map[string]struct{}
	allGroupsPerUser bool
}

func NewResolver(p Policy) *Resolver {
	return &Resolver{
		globalUsers:      toSet(p.GlobalUsers),
		perUserGroups:    toSet(p.PerUserGroups),
		allGroupsPerUser: p.AllGroupsPerUser,
	}
}

// Resolve maps (sender, conversation) to a session. Rules, first match wins:
//
//  1. sender in the global set   → <channel>:global_<sender>
//  2. group with per-user policy → <channel>:group_<group>_user_<sender>
//  3. group                      → <channel>:group_<group>
//  4. private                    → <channel>:private_<sender>
func (r *Resolver) Resolve(channel bus.ChannelType, senderID string, conv bus.Conversation) Session {
	prefix := string(channel) + ":"

	if _, ok := r.globalUsers[senderID]; ok {
		return Session{ID: prefix + "global_" + senderID, Scope: ScopeGlobal}
	}

	if conv.IsGroup() {
		if r.perUser(conv.GroupID) {
			return Session{
				ID:    prefix + "group_" + conv.GroupID + "_user_" + senderID,
				Scope: ScopePerUserInGroup,
			}
		}
		return Session{ID: prefix + "group_" + conv.GroupID, Scope: ScopePerGroup}
	}

	return Session{ID: prefix + "private_" + senderID, Scope: ScopePrivate}
}

// ResolveMessage resolves the session of an inbound event.
func (r *Resolver) ResolveMessage(msg bus.InboundMessage) Session {
	return r.Resolve(msg.Channel(), msg.SenderId(), msg.Conversation())
}

func (r *Resolver) perUser(groupID string) bool {
	if r.allGroupsPerUser {
		return true
	}
	_, ok := r.perUserGroups[groupID]
	return ok
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
