package queue

import "time"

// Status is the lifecycle state of a queue item.
//
// Transitions:
//
//	PENDING -> POSTED | REVIEW_REQUIRED
//	POSTED  -> INCLUDED_IN_STORY   (post queue only)
//
// REVIEW_REQUIRED is terminal until a human re-enqueues the item.
// Rows are never deleted.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPosted          Status = "POSTED"
	StatusReviewRequired  Status = "REVIEW_REQUIRED"
	StatusIncludedInStory Status = "INCLUDED_IN_STORY"
)

// Kind selects one of the two queues.
type Kind string

const (
	KindPost  Kind = "post"
	KindStory Kind = "story"
)

type Item struct {
	ID         string
	CampaignID string
	ImageURL   string
	Caption    string
	Hashtags   []string

	// Optional geotag. Both nil when the photo has no location.
	Latitude  *float64
	Longitude *float64

	TagUsername string

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}
