// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"strings"
	"sync/atomic"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// subscriptionIDs issues process-unique subscription ids, starting at
// 1. Never reused; overflow is not handled.
var subscriptionIDs atomic.Uint64

// MessageHandler consumes a message selected by a match rule.
type MessageHandler func(m *transport.Message)

// MatchRule selects messages by field equality. Zero-valued fields
// are wildcards; a zero rule matches everything. Kind selects one
// message kind, so a rule can observe calls, replies, and errors as
// well as signals.
type MatchRule struct {
	Kind      transport.Kind
	Sender    ref.BusName
	Path      ref.ObjectPath
	Interface ref.InterfaceName
	Member    ref.MemberName
	// Arg0 matches the message's first argument when that argument
	// is a string. Empty means wildcard; matching a literal empty
	// string is not expressible.
	Arg0 string
}

// Key returns the canonical key for the rule. Rules with equal keys
// are the same rule: subscribers pile onto one entry and the
// transport sees one registration.
func (r MatchRule) Key() string {
	var b strings.Builder
	appendField := func(name, value string) {
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteString("='")
		b.WriteString(value)
		b.WriteByte('\'')
	}
	if r.Kind != 0 {
		appendField("kind", r.Kind.String())
	}
	appendField("sender", r.Sender.String())
	appendField("path", r.Path.String())
	appendField("interface", r.Interface.String())
	appendField("member", r.Member.String())
	appendField("arg0", r.Arg0)
	return b.String()
}

// matches reports whether m satisfies every set field of the rule.
func (r MatchRule) matches(m *transport.Message) bool {
	if r.Kind != 0 && m.Kind != r.Kind {
		return false
	}
	if !r.Sender.IsZero() && m.Sender != r.Sender {
		return false
	}
	if !r.Path.IsZero() && m.Path != r.Path {
		return false
	}
	if !r.Interface.IsZero() && m.Interface != r.Interface {
		return false
	}
	if !r.Member.IsZero() && m.Member != r.Member {
		return false
	}
	if r.Arg0 != "" {
		arg0, ok := m.Arg0String()
		if !ok || arg0 != r.Arg0 {
			return false
		}
	}
	return true
}

// Subscription describes one subscriber of a match rule.
type Subscription struct {
	// Rule selects the messages to deliver.
	Rule MatchRule

	// Handler receives each matching message. Required.
	Handler MessageHandler

	// Loop is the execution context the handler runs on. If nil, the
	// connection's default Loop is used.
	Loop *Loop

	// Cleanup, if set, runs once when the subscription is removed
	// (by Unsubscribe or connection teardown), outside the
	// connection lock.
	Cleanup func()
}

// subscriber is the registry's record of one Subscription.
type subscriber struct {
	id      uint64
	entry   *matchEntry
	loop    *Loop
	handler MessageHandler
	cleanup func()
}

// matchEntry is one canonical rule with its subscribers, in
// registration order.
type matchEntry struct {
	rule        MatchRule
	key         string
	reserved    bool
	subscribers []*subscriber
}

// matchRegistry holds all live match rules. It is plain bookkeeping:
// the connection mutex guards every method.
type matchRegistry struct {
	entries map[string]*matchEntry
	// bySender buckets entries with a set Sender for dispatch;
	// wildcard holds the rest. An inbound message checks its exact
	// sender's bucket plus the wildcard bucket.
	bySender map[ref.BusName]map[string]*matchEntry
	wildcard map[string]*matchEntry
	byID     map[uint64]*subscriber
}

func newMatchRegistry() *matchRegistry {
	return &matchRegistry{
		entries:  make(map[string]*matchEntry),
		bySender: make(map[ref.BusName]map[string]*matchEntry),
		wildcard: make(map[string]*matchEntry),
		byID:     make(map[uint64]*subscriber),
	}
}

// add appends a subscriber for rule, creating the entry on first use.
// Returns the subscriber and whether a new entry was created (the
// caller registers the key with the transport for new, non-reserved
// entries, outside the lock).
func (r *matchRegistry) add(rule MatchRule, reserved bool, loop *Loop, handler MessageHandler, cleanup func()) (*subscriber, bool) {
	key := rule.Key()
	entry, ok := r.entries[key]
	created := false
	if !ok {
		entry = &matchEntry{rule: rule, key: key, reserved: reserved}
		r.entries[key] = entry
		if rule.Sender.IsZero() {
			r.wildcard[key] = entry
		} else {
			bucket := r.bySender[rule.Sender]
			if bucket == nil {
				bucket = make(map[string]*matchEntry)
				r.bySender[rule.Sender] = bucket
			}
			bucket[key] = entry
		}
		created = true
	}
	sub := &subscriber{
		id:      subscriptionIDs.Add(1),
		entry:   entry,
		loop:    loop,
		handler: handler,
		cleanup: cleanup,
	}
	entry.subscribers = append(entry.subscribers, sub)
	r.byID[sub.id] = sub
	return sub, created
}

// remove detaches the subscriber with the given id. Returns the
// subscriber (nil when the id is unknown) and, when its rule emptied,
// the entry that was removed so the caller can retract the
// registration.
func (r *matchRegistry) remove(id uint64) (*subscriber, *matchEntry) {
	sub, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	delete(r.byID, id)
	entry := sub.entry
	for i, s := range entry.subscribers {
		if s == sub {
			entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
			break
		}
	}
	if len(entry.subscribers) > 0 {
		return sub, nil
	}
	delete(r.entries, entry.key)
	if entry.rule.Sender.IsZero() {
		delete(r.wildcard, entry.key)
	} else {
		bucket := r.bySender[entry.rule.Sender]
		delete(bucket, entry.key)
		if len(bucket) == 0 {
			delete(r.bySender, entry.rule.Sender)
		}
	}
	return sub, entry
}

// match collects the subscribers to schedule for m: first from the
// message's sender bucket, then from the wildcard bucket. Within one
// rule subscribers appear in registration order; ordering across
// rules is unspecified.
func (r *matchRegistry) match(m *transport.Message) []*subscriber {
	var out []*subscriber
	if bucket, ok := r.bySender[m.Sender]; ok {
		for _, entry := range bucket {
			if entry.rule.matches(m) {
				out = append(out, entry.subscribers...)
			}
		}
	}
	for _, entry := range r.wildcard {
		if entry.rule.matches(m) {
			out = append(out, entry.subscribers...)
		}
	}
	return out
}

// purge empties the registry and returns every subscriber so the
// caller can run cleanups outside the lock. Used at connection
// teardown; no transport retraction happens (the connection is gone).
func (r *matchRegistry) purge() []*subscriber {
	var out []*subscriber
	for _, entry := range r.entries {
		out = append(out, entry.subscribers...)
	}
	r.entries = make(map[string]*matchEntry)
	r.bySender = make(map[ref.BusName]map[string]*matchEntry)
	r.wildcard = make(map[string]*matchEntry)
	r.byID = make(map[uint64]*subscriber)
	return out
}

// ruleCount reports the number of live canonical rules.
func (r *matchRegistry) ruleCount() int {
	return len(r.entries)
}
