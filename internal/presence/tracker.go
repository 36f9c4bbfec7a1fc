// Package presence tracks which voice-channel members are currently
// speaking and broadcasts changes to push clients.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foxseedlab/namahousou/internal/discord"
	"github.com/foxseedlab/namahousou/internal/pubsub"
)

const (
	// EventSpeaking announces a single start or end of voice activity.
	EventSpeaking = "speaking"
	// EventState carries the full current speaker set.
	EventState = "state"
)

const fetchTimeout = 5 * time.Second

// ProfileFetcher resolves a user id to a display profile.
type ProfileFetcher interface {
	FetchUserProfile(ctx context.Context, userID string) (discord.UserProfile, error)
}

// Speaker is one member currently producing voice activity.
type Speaker struct {
	Profile   discord.UserProfile `json:"profile"`
	StartedAt time.Time           `json:"startedAt"`
}

type speakingEvent struct {
	Type string              `json:"type"`
	User discord.UserProfile `json:"user"`
}

type stateEvent struct {
	Speakers []Speaker `json:"speakers"`
}

// Tracker keeps the speaking set. Profile lookups are cached and
// deduplicated so repeated voice-activity callbacks for the same user
// never stack requests.
type Tracker struct {
	fetcher ProfileFetcher
	events  pubsub.Publisher

	mu       sync.Mutex
	speaking map[string]Speaker
	profiles map[string]discord.UserProfile
	fetching map[string]struct{}
	pending  map[string]struct{}
}

func NewTracker(fetcher ProfileFetcher, events pubsub.Publisher) *Tracker {
	return &Tracker{
		fetcher:  fetcher,
		events:   events,
		speaking: make(map[string]Speaker),
		profiles: make(map[string]discord.UserProfile),
		fetching: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// HandleSpeaking is the voice-activity callback.
func (t *Tracker) HandleSpeaking(userID string, speaking bool) {
	if speaking {
		t.started(userID)
		return
	}
	t.stopped(userID)
}

func (t *Tracker) started(userID string) {
	t.mu.Lock()
	if _, ok := t.speaking[userID]; ok {
		t.mu.Unlock()
		return
	}
	t.pending[userID] = struct{}{}
	if profile, ok := t.profiles[userID]; ok {
		speaker := t.markSpeakingLocked(userID, profile)
		t.mu.Unlock()
		t.announce("start", speaker)
		return
	}
	if _, inFlight := t.fetching[userID]; inFlight {
		t.mu.Unlock()
		return
	}
	t.fetching[userID] = struct{}{}
	t.mu.Unlock()

	go t.fetchAndMark(userID)
}

func (t *Tracker) fetchAndMark(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	profile, err := t.fetcher.FetchUserProfile(ctx, userID)
	if err != nil {
		slog.Warn("profile lookup failed, using placeholder", "userID", userID, "error", err)
		profile = discord.UserProfile{
			ID:          userID,
			Username:    "unknown",
			DisplayName: "名無しさん",
		}
	}

	t.mu.Lock()
	delete(t.fetching, userID)
	if err == nil {
		t.profiles[userID] = profile
	}
	if _, want := t.pending[userID]; !want {
		// The user stopped speaking before the lookup finished.
		t.mu.Unlock()
		return
	}
	speaker := t.markSpeakingLocked(userID, profile)
	t.mu.Unlock()
	t.announce("start", speaker)
}

func (t *Tracker) markSpeakingLocked(userID string, profile discord.UserProfile) Speaker {
	delete(t.pending, userID)
	speaker := Speaker{Profile: profile, StartedAt: time.Now()}
	t.speaking[userID] = speaker
	return speaker
}

func (t *Tracker) stopped(userID string) {
	t.mu.Lock()
	delete(t.pending, userID)
	speaker, ok := t.speaking[userID]
	if ok {
		delete(t.speaking, userID)
	}
	t.mu.Unlock()
	if ok {
		t.announce("end", speaker)
	}
}

func (t *Tracker) announce(eventType string, speaker Speaker) {
	if t.events == nil {
		return
	}
	t.events.Publish(EventSpeaking, speakingEvent{Type: eventType, User: speaker.Profile})
	t.events.Publish(EventState, stateEvent{Speakers: t.Snapshot()})
}

// Snapshot returns the current speaker set ordered by activity start.
func (t *Tracker) Snapshot() []Speaker {
	t.mu.Lock()
	out := make([]Speaker, 0, len(t.speaking))
	for _, s := range t.speaking {
		out = append(out, s)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
