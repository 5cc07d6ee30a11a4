// Package publisher owns the publish-provider boundary: payload validation,
// container creation, readiness polling, and the final publish call.
package publisher

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

// Publisher is the high-level publish flow used by the dispatch loop.
type Publisher struct {
	api   API
	ready ReadyConfig
	log   logx.Logger
	rng   *rand.Rand
}

func New(api API, ready ReadyConfig, log logx.Logger) *Publisher {
	return &Publisher{
		api:   api,
		ready: ready.withDefaults(),
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func validatePhoto(p Photo) error {
	if strings.TrimSpace(p.ImageURL) == "" {
		return fmt.Errorf("%w: image url is required", ErrValidation)
	}
	if p.Geo != nil {
		if err := p.Geo.validate(); err != nil {
			return err
		}
	}
	return nil
}

// PublishPhoto validates, creates a container, waits for readiness and
// publishes. Returns the provider-assigned published media id.
func (p *Publisher) PublishPhoto(ctx context.Context, photo Photo) (string, error) {
	if err := validatePhoto(photo); err != nil {
		return "", err
	}

	spec := ContainerSpec{
		ImageURL: photo.ImageURL,
		Caption:  FormatCaption(photo.Caption, photo.Hashtags),
	}
	if photo.Geo != nil {
		locID, err := p.api.SearchLocation(ctx, *photo.Geo)
		if err != nil {
			// Location is decoration; the photo still goes out.
			if !p.log.IsZero() {
				p.log.Warn("location lookup failed", logx.Err(err))
			}
		} else {
			spec.LocationID = locID
		}
	}
	for _, u := range photo.TagUsernames {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		spec.UserTags = append(spec.UserTags, UserTag{
			Username: u,
			X:        p.rng.Float64(),
			Y:        p.rng.Float64(),
		})
	}

	return p.run(ctx, spec)
}

// PublishStory publishes a single image as a story. Stories carry no caption
// or location.
func (p *Publisher) PublishStory(ctx context.Context, imageURL string) (string, error) {
	if strings.TrimSpace(imageURL) == "" {
		return "", fmt.Errorf("%w: image url is required", ErrValidation)
	}
	return p.run(ctx, ContainerSpec{ImageURL: imageURL, IsStory: true})
}

// PublishCarousel publishes up to 10 images as one multi-image post.
// Each child container must be ready before the parent is created.
func (p *Publisher) PublishCarousel(ctx context.Context, imageURLs []string, caption string, hashtags []string) (string, error) {
	if len(imageURLs) == 0 {
		return "", fmt.Errorf("%w: carousel needs at least one image", ErrValidation)
	}
	if len(imageURLs) > maxCarouselChildren {
		return "", fmt.Errorf("%w: carousel has %d children, max %d", ErrValidation, len(imageURLs), maxCarouselChildren)
	}

	children := make([]string, 0, len(imageURLs))
	for _, u := range imageURLs {
		if strings.TrimSpace(u) == "" {
			return "", fmt.Errorf("%w: empty image url in carousel", ErrValidation)
		}
		id, err := p.api.CreateContainer(ctx, ContainerSpec{ImageURL: u, IsCarouselItem: true})
		if err != nil {
			return "", err
		}
		if err := AwaitReady(ctx, p.api, id, p.ready); err != nil {
			return "", err
		}
		children = append(children, id)
	}

	return p.run(ctx, ContainerSpec{
		Caption:  FormatCaption(caption, hashtags),
		Children: children,
	})
}

func (p *Publisher) run(ctx context.Context, spec ContainerSpec) (string, error) {
	containerID, err := p.api.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := AwaitReady(ctx, p.api, containerID, p.ready); err != nil {
		return "", err
	}
	publishedID, err := p.api.Publish(ctx, containerID)
	if err != nil {
		return "", err
	}
	if !p.log.IsZero() {
		p.log.Info("published", logx.String("container_id", containerID), logx.String("published_id", publishedID))
	}
	return publishedID, nil
}
