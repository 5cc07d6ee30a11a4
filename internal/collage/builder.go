package collage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/queue"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

// BatchSize is the exact number of posted photos absorbed into one story.
// Leftovers below a full batch are deferred, never published short.
const BatchSize = gridCols * gridRows

// Composer renders a batch of image URLs into one JPEG.
type Composer interface {
	Build(ctx context.Context, urls []string) ([]byte, error)
}

// Uploader hosts a rendered collage and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, jpegData []byte) (string, error)
}

// Builder batches POSTED photos per campaign into story queue items.
type Builder struct {
	store    *queue.Store
	composer Composer
	uploader Uploader
	log      logx.Logger
}

func NewBuilder(store *queue.Store, composer Composer, uploader Uploader, log logx.Logger) *Builder {
	return &Builder{store: store, composer: composer, uploader: uploader, log: log}
}

// BuildCampaignStories composes one story per full batch of 9 POSTED photos
// and enqueues it. The 9 source photos move to INCLUDED_IN_STORY only after
// the story item is safely enqueued. Returns the number of stories built.
func (b *Builder) BuildCampaignStories(ctx context.Context, campaignID string) (int, error) {
	posted, err := b.store.ListPosted(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("collage: list posted: %w", err)
	}

	built := 0
	for len(posted)-built*BatchSize >= BatchSize {
		batch := posted[built*BatchSize : (built+1)*BatchSize]
		urls := make([]string, 0, BatchSize)
		for _, it := range batch {
			urls = append(urls, it.ImageURL)
		}

		jpegData, err := b.composer.Build(ctx, urls)
		if err != nil {
			return built, fmt.Errorf("collage: compose: %w", err)
		}
		hostedURL, err := b.uploader.Upload(ctx, jpegData)
		if err != nil {
			return built, fmt.Errorf("collage: upload: %w", err)
		}

		story := queue.Item{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			ImageURL:   hostedURL,
		}
		if _, err := b.store.Enqueue(ctx, queue.KindStory, []queue.Item{story}); err != nil {
			return built, fmt.Errorf("collage: enqueue story: %w", err)
		}
		for _, it := range batch {
			if err := b.store.MarkIncludedInStory(ctx, it.ID); err != nil {
				return built, fmt.Errorf("collage: mark included %s: %w", it.ID, err)
			}
		}

		built++
		if !b.log.IsZero() {
			b.log.Info("story collage built",
				logx.String("campaign_id", campaignID),
				logx.String("story_id", story.ID),
				logx.Int("photos", BatchSize))
		}
	}
	return built, nil
}
