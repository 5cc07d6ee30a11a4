// Package ingest pulls new campaign photos from the feed provider into the
// post queue, tracking a per-campaign watermark so photos are fetched once.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/eventbus"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/feed"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/queue"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

// Feed is the slice of the feed client the ingestor needs.
type Feed interface {
	Campaigns(ctx context.Context) ([]feed.Campaign, error)
	CampaignPhotos(ctx context.Context, campaignID string, since time.Time, skip, limit int) ([]feed.Photo, error)
}

type Config struct {
	PageSize int
	Backfill time.Duration // cursor start for never-fetched campaigns
}

type Ingestor struct {
	store *queue.Store
	feed  Feed
	bus   eventbus.Bus
	cfg   Config
	log   logx.Logger
}

func New(store *queue.Store, f Feed, bus eventbus.Bus, cfg Config, log logx.Logger) *Ingestor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Backfill <= 0 {
		cfg.Backfill = 24 * time.Hour
	}
	return &Ingestor{store: store, feed: f, bus: bus, cfg: cfg, log: log}
}

// Run performs one full fetch pass over all campaigns. A failing campaign is
// logged and skipped; only a failure to list campaigns aborts the pass.
func (in *Ingestor) Run(ctx context.Context) error {
	campaigns, err := in.feed.Campaigns(ctx)
	if err != nil {
		return fmt.Errorf("ingest: list campaigns: %w", err)
	}

	total := 0
	for _, c := range campaigns {
		n, err := in.fetchCampaign(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !in.log.IsZero() {
				in.log.Warn("campaign fetch failed", logx.String("campaign_id", c.ID), logx.Err(err))
			}
			continue
		}
		total += n
	}

	if in.bus != nil {
		in.bus.Publish(eventbus.Event{Type: "fetch.completed", Data: total})
	}
	if !in.log.IsZero() {
		in.log.Info("fetch pass completed", logx.Int("campaigns", len(campaigns)), logx.Int("photos", total))
	}
	return nil
}

// fetchCampaign pages through new photos for one campaign. The cursor only
// advances after at least one photo was fetched and enqueued.
func (in *Ingestor) fetchCampaign(ctx context.Context, c feed.Campaign) (int, error) {
	since, ok, err := in.store.Cursor(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	if !ok {
		since = time.Now().Add(-in.cfg.Backfill)
	}

	fetched := 0
	newest := since
	skip := 0
	for {
		page, err := in.feed.CampaignPhotos(ctx, c.ID, since, skip, in.cfg.PageSize)
		if err != nil {
			return fetched, err
		}
		if len(page) > 0 {
			items := make([]queue.Item, 0, len(page))
			for _, p := range page {
				createdAt := time.UnixMilli(p.CreatedAt)
				if createdAt.After(newest) {
					newest = createdAt
				}
				items = append(items, queue.Item{
					ID:          p.ID,
					CampaignID:  c.ID,
					ImageURL:    p.ImageURL,
					Caption:     c.Description,
					Hashtags:    c.Hashtags,
					Latitude:    p.Latitude,
					Longitude:   p.Longitude,
					TagUsername: c.TagUsername,
					CreatedAt:   createdAt,
				})
			}
			if _, err := in.store.Enqueue(ctx, queue.KindPost, items); err != nil {
				return fetched, err
			}
			fetched += len(page)
			skip += len(page)
		}
		// A short page means the provider has no more.
		if len(page) < in.cfg.PageSize {
			break
		}
	}

	if fetched > 0 {
		if err := in.store.SetCursor(ctx, c.ID, newest); err != nil {
			return fetched, err
		}
	}
	return fetched, nil
}
