package dispatch

import "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/queue"

// State is the quota tracker: the dispatch loop's state machine made
// explicit. Transitions are pure so they can be tested without timers.
type State struct {
	// Credits is the number of publish attempts currently allowed. One
	// credit accrues per posting tick; unconsumed credits carry forward.
	Credits int

	// StoriesToday counts stories published since the window opened.
	StoriesToday int

	// Preferred is the content type to attempt first on the next
	// iteration. It flips after every successful publish so the feed
	// alternates between stories and ordinary posts.
	Preferred queue.Kind
}

// NewState returns the window-open state: zero counters, stories first.
// Window open is when fresh collages land in the story queue, so the
// first slot of the day goes to a story.
func NewState() State {
	return State{Preferred: queue.KindStory}
}

// AddCredit accrues one posting credit.
func (s State) AddCredit() State {
	s.Credits++
	return s
}

// PickFirst chooses the content type to attempt first this iteration.
// Stories are only preferred while under the daily cap.
func (s State) PickFirst(maxStoriesPerDay int) queue.Kind {
	if s.Preferred == queue.KindStory && s.StoriesToday < maxStoriesPerDay {
		return queue.KindStory
	}
	return queue.KindPost
}

// AfterSuccess consumes a credit and flips the preference away from the
// type just published.
func (s State) AfterSuccess(published queue.Kind) State {
	s.Credits--
	if published == queue.KindStory {
		s.StoriesToday++
		s.Preferred = queue.KindPost
	} else {
		s.Preferred = queue.KindStory
	}
	return s
}

// AfterFailure consumes the credit without publishing: a failed attempt
// still spends its scheduling slot and is not retried in the same run.
func (s State) AfterFailure() State {
	s.Credits--
	return s
}

// Reset returns the state to window-open values.
func (s State) Reset() State {
	return NewState()
}
