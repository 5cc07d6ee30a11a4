package publisher

import (
	"errors"
	"fmt"
	"strings"
)

// ContainerStatus is the provider-side processing state of a media container.
type ContainerStatus string

const (
	StatusFinished   ContainerStatus = "FINISHED"
	StatusError      ContainerStatus = "ERROR"
	StatusInProgress ContainerStatus = "IN_PROGRESS"
)

var (
	// ErrValidation wraps all pre-flight failures. Never retried.
	ErrValidation = errors.New("publisher: validation failed")

	// ErrReadyTimeout means a container did not become ready before the
	// readiness deadline.
	ErrReadyTimeout = errors.New("publisher: container readiness timed out")

	// ErrContainerFailed means the provider reported terminal ERROR for a
	// container.
	ErrContainerFailed = errors.New("publisher: container processing failed")
)

const maxCarouselChildren = 10

// Geo is an optional photo location.
type Geo struct {
	Latitude  float64
	Longitude float64
}

func (g Geo) validate() error {
	if g.Latitude < -90 || g.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrValidation, g.Latitude)
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrValidation, g.Longitude)
	}
	return nil
}

// Photo is a single publishable image.
type Photo struct {
	ImageURL string
	Caption  string
	Hashtags []string
	Geo      *Geo
	// TagUsernames are tagged at random positions on the image.
	TagUsernames []string
}

// FormatCaption joins the caption text and hashtags: hashtags are appended
// after two newlines, space-separated, each prefixed with '#'.
func FormatCaption(text string, hashtags []string) string {
	text = strings.TrimSpace(text)
	tags := make([]string, 0, len(hashtags))
	for _, h := range hashtags {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.HasPrefix(h, "#") {
			h = "#" + h
		}
		tags = append(tags, h)
	}
	if len(tags) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(tags, " ")
	}
	return text + "\n\n" + strings.Join(tags, " ")
}
