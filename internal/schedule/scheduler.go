// Package schedule decides what a simulated user does with each feed item.
package schedule

import (
	"math/rand"
	"strings"
	"time"

	"feedtrace/internal/config"
	"feedtrace/internal/core"
)

// Decision reasons carried on actions, so downstream analysis can separate
// deterministic allow-list hits from random-budget draws.
const (
	ReasonAllowList     = "allow_list"
	ReasonRandomBudget  = "random_budget"
	ReasonHashtagLonger = "hashtag_watch_longer"
	ReasonRandomWatch   = "random_watch"
	ReasonBaseline      = "baseline"
)

// Scheduler is the per-session decision policy. It is a pure function of
// the behavioral profile, the remaining budgets, and the injected random
// source: the same seed and content sequence produce the same actions. Not
// safe for concurrent use; each session controller owns one.
type Scheduler struct {
	profile  config.Profile
	settings config.UserSettings
	rng      *rand.Rand
	clock    core.Clock

	likesLeft   int
	followsLeft int
	watchesLeft int
	remaining   int
}

// New creates a scheduler. Random budgets are clamped to the session's item
// budget, since a budget larger than the feed can never be consumed.
func New(profile config.Profile, settings config.UserSettings, seed int64, clock core.Clock) *Scheduler {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Scheduler{
		profile:     profile,
		settings:    settings,
		rng:         rand.New(rand.NewSource(seed)),
		clock:       clock,
		likesLeft:   min(profile.RandomPostsToLike, settings.MaxVideos),
		followsLeft: min(profile.RandomAuthorsToFollow, settings.MaxVideos),
		watchesLeft: min(profile.RandomVideosToWatch, settings.MaxVideos),
		remaining:   settings.MaxVideos,
	}
}

// Schedule decides the actions for one content item. Livestreams and ads
// are skipped. Videos always get a watch action; like and follow are added
// when an allow-list matches, or by weighted coin-flip while the random
// budget lasts. Allow-list matches never consume random budget.
func (s *Scheduler) Schedule(item *core.ContentItem) []core.Action {
	now := s.clock.Now()
	defer func() {
		if s.remaining > 0 {
			s.remaining--
		}
	}()

	if item.Skippable() {
		return []core.Action{{
			Kind:      core.ActionSkip,
			ContentID: item.ID,
			Timestamp: now,
			Reason:    string(item.Kind),
		}}
	}

	var actions []core.Action

	if reason, ok := s.likeDecision(item); ok {
		actions = append(actions, core.Action{
			Kind:      core.ActionLike,
			ContentID: item.ID,
			Timestamp: now,
			Reason:    reason,
		})
	}
	if reason, ok := s.followDecision(item); ok {
		actions = append(actions, core.Action{
			Kind:      core.ActionFollow,
			ContentID: item.ID,
			Target:    item.AuthorID,
			Timestamp: now,
			Reason:    reason,
		})
	}

	duration, reason := s.watchDuration(item)
	actions = append(actions, core.Action{
		Kind:      core.ActionWatch,
		ContentID: item.ID,
		Duration:  duration,
		Timestamp: now,
		Reason:    reason,
	})

	return actions
}

// Commit consumes random budget for an applied action. Failed applications
// keep their budget so the quota can still be met on later items.
func (s *Scheduler) Commit(action *core.Action) {
	if action.Outcome != core.OutcomeApplied {
		return
	}
	switch action.Reason {
	case ReasonRandomBudget:
		switch action.Kind {
		case core.ActionLike:
			if s.likesLeft > 0 {
				s.likesLeft--
			}
		case core.ActionFollow:
			if s.followsLeft > 0 {
				s.followsLeft--
			}
		}
	case ReasonRandomWatch:
		if s.watchesLeft > 0 {
			s.watchesLeft--
		}
	}
}

func (s *Scheduler) likeDecision(item *core.ContentItem) (string, bool) {
	if item.HasAnyHashtag(s.profile.HashtagsToLike) || matchesUser(item, s.profile.UsernamesToLike) {
		return ReasonAllowList, true
	}
	if s.likesLeft > 0 && s.flip(s.likesLeft) {
		return ReasonRandomBudget, true
	}
	return "", false
}

func (s *Scheduler) followDecision(item *core.ContentItem) (string, bool) {
	if item.HasAnyHashtag(s.profile.HashtagsToFollow) || matchesUser(item, s.profile.UsernamesToFollow) {
		return ReasonAllowList, true
	}
	if s.followsLeft > 0 && s.flip(s.followsLeft) {
		return ReasonRandomBudget, true
	}
	return "", false
}

// watchDuration scales the item's duration by the profile coefficient and
// clamps it to the limit that applies to the chosen path.
func (s *Scheduler) watchDuration(item *core.ContentItem) (time.Duration, string) {
	coef := s.profile.WatchCoefficientNoHashtags
	maxWatch := s.settings.MaxWatchTime.Std()
	reason := ReasonBaseline

	switch {
	case item.HasAnyHashtag(s.profile.HashtagsWatchLonger):
		coef = s.profile.HashtagsWatchLongerCoefficient
		maxWatch = s.settings.HashtagsWatchLongerMaxTime.Std()
		reason = ReasonHashtagLonger
	case s.watchesLeft > 0 && s.flip(s.watchesLeft):
		coef = s.profile.RandomWatchCoefficient
		maxWatch = s.settings.RandomWatchMaxTime.Std()
		reason = ReasonRandomWatch
	case len(item.Hashtags) > 0:
		coef = s.profile.WatchCoefficientWithHashtags
	}

	base := item.Duration
	if base <= 0 {
		base = maxWatch
	}
	watch := time.Duration(float64(base) * coef)
	if watch > maxWatch {
		watch = maxWatch
	}
	if watch < time.Second {
		watch = time.Second
	}
	return watch, reason
}

// flip is the weighted coin: budget remaining over items remaining. This is
// sequential sampling without replacement, so a budget of N over a session
// of M >= N items consumes exactly N hits once the items run out.
func (s *Scheduler) flip(budget int) bool {
	p := float64(budget) / float64(max(s.remaining, 1))
	if p >= 1 {
		return true
	}
	return s.rng.Float64() < p
}

func matchesUser(item *core.ContentItem, usernames []string) bool {
	if len(usernames) == 0 {
		return false
	}
	author := strings.ToLower(strings.TrimSpace(item.AuthorName))
	if author == "" {
		return false
	}
	for _, u := range usernames {
		if strings.ToLower(strings.TrimSpace(u)) == author {
			return true
		}
	}
	return false
}

// Budgets reports the remaining random budgets, for progress and tests.
func (s *Scheduler) Budgets() (likes, follows, watches int) {
	return s.likesLeft, s.followsLeft, s.watchesLeft
}
