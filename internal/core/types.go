// Package core defines the fundamental types and interfaces for feedtrace.
package core

import (
	"strings"
	"time"
)

// ContentKind classifies a feed item.
type ContentKind string

const (
	ContentVideo      ContentKind = "video"
	ContentLivestream ContentKind = "livestream"
	ContentAd         ContentKind = "ad"
)

// ContentItem is one unit of feed content observed during a session.
// Created by the network interceptor when a feed-advancing response is
// observed; immutable after creation.
type ContentItem struct {
	ID         string
	Kind       ContentKind
	Seq        int // position in the session's feed order, starting at 0
	AuthorID   string
	AuthorName string
	Hashtags   []string
	Duration   time.Duration
	PayloadRef string // request id of the feed batch that carried this item
	ObservedAt time.Time
}

// HasAnyHashtag reports whether the item carries at least one of the given
// hashtags. Comparison is case-insensitive, matching how allow-lists are
// configured.
func (c *ContentItem) HasAnyHashtag(tags []string) bool {
	if len(tags) == 0 || len(c.Hashtags) == 0 {
		return false
	}
	for _, want := range tags {
		want = strings.ToLower(strings.TrimSpace(want))
		for _, have := range c.Hashtags {
			if strings.ToLower(have) == want {
				return true
			}
		}
	}
	return false
}

// Skippable reports whether the item should not be interacted with
// (livestreams and advertisements).
func (c *ContentItem) Skippable() bool {
	return c.Kind != ContentVideo
}

// ActionKind identifies what the simulated user does with an item.
type ActionKind string

const (
	ActionWatch  ActionKind = "watch"
	ActionLike   ActionKind = "like"
	ActionFollow ActionKind = "follow"
	ActionSkip   ActionKind = "skip"
)

// Outcome is the terminal result of applying an action.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeOrphaned Outcome = "orphaned"
)

// Action is a decision taken by the scheduler against a ContentItem.
// Created by the scheduler, applied by the session controller, never
// mutated afterward except for Outcome which is set exactly once on apply.
type Action struct {
	Kind      ActionKind    `json:"kind"`
	ContentID string        `json:"content_id,omitempty"`
	Target    string        `json:"target,omitempty"` // author id for follows
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Outcome   Outcome       `json:"outcome,omitempty"`
	Reason    string        `json:"reason,omitempty"` // why the scheduler chose it
}

// Credentials identify a simulated user to the platform.
type Credentials struct {
	Email    string
	Password string
}

// NetworkIdentity describes the proxy a session routes through. The zero
// value means a direct connection.
type NetworkIdentity struct {
	Host     string
	Port     string
	Username string
	Password string
}

// Addr returns host:port, or "" for a direct connection.
func (n NetworkIdentity) Addr() string {
	if n.Host == "" {
		return ""
	}
	return n.Host + ":" + n.Port
}
