// Package routing derives and parses logical routing keys.
//
// A routing key is the stable address a message is published under,
// independent of any concrete bus topology. Keys have four dot-separated
// segments:
//
//	group.context.messageType.action
//
// For example "orders.billing.InvoiceCreated.created". Subscriptions may use
// the single-segment wildcard "*" to match any value in that position, e.g.
// "orders.*.InvoiceCreated.*".
package routing

import (
	"fmt"
	"strings"
)

// DefaultGroup is used when a key is derived without an explicit group.
const DefaultGroup = "message"

// Wildcard matches any single segment in a pattern key.
const Wildcard = "*"

// Key is a parsed routing key.
type Key struct {
	// Group is the top-level namespace, typically one per platform or team.
	Group string
	// Context identifies the producing service or bounded context.
	Context string
	// MessageType is the short name of the payload type.
	MessageType string
	// Action describes what happened, e.g. "created" or "updated".
	Action string
}

// String renders the key in group.context.messageType.action form.
// Empty segments render as the wildcard so partially specified keys are
// valid subscription patterns.
func (k Key) String() string {
	return strings.Join([]string{
		orWildcard(k.Group),
		orWildcard(k.Context),
		orWildcard(k.MessageType),
		orWildcard(k.Action),
	}, ".")
}

// Match reports whether the key matches a pattern key, where wildcard
// segments in the pattern match anything. Matching is segment-exact
// otherwise.
func (k Key) Match(pattern Key) bool {
	return segmentMatch(k.Group, pattern.Group) &&
		segmentMatch(k.Context, pattern.Context) &&
		segmentMatch(k.MessageType, pattern.MessageType) &&
		segmentMatch(k.Action, pattern.Action)
}

func segmentMatch(value, pattern string) bool {
	return pattern == Wildcard || pattern == "" || pattern == value
}

func orWildcard(s string) string {
	if s == "" {
		return Wildcard
	}
	return s
}

// Parse parses a dot-separated routing key. Exactly four segments are
// required; wildcard segments are preserved as "*".
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("routing key %q: expected 4 segments, got %d", s, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("routing key %q: segment %d is empty", s, i+1)
		}
	}
	return Key{
		Group:       parts[0],
		Context:     parts[1],
		MessageType: parts[2],
		Action:      parts[3],
	}, nil
}

// ForMessageType derives the default key for a message type produced by a
// given context. The group defaults to DefaultGroup and the action to the
// wildcard; callers narrow the action when they know it.
func ForMessageType(producerContext, messageType string) Key {
	return Key{
		Group:       DefaultGroup,
		Context:     producerContext,
		MessageType: shortTypeName(messageType),
	}
}

// shortTypeName strips any package or namespace qualifier from a type's
// full name, keeping keys stable across refactors of import paths.
func shortTypeName(full string) string {
	if i := strings.LastIndexAny(full, "./"); i >= 0 {
		return full[i+1:]
	}
	return full
}
