package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

type fakeAPI struct {
	createCalls  int
	probeCalls   int
	publishCalls int
	searchCalls  int

	lastSpec ContainerSpec

	probeResults []ContainerStatus
	searchErr    error
	locationID   string
}

func (f *fakeAPI) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.createCalls++
	f.lastSpec = spec
	return fmt.Sprintf("container-%d", f.createCalls), nil
}

func (f *fakeAPI) ProbeStatus(context.Context, string) (ContainerStatus, error) {
	f.probeCalls++
	if len(f.probeResults) == 0 {
		return StatusFinished, nil
	}
	st := f.probeResults[0]
	if len(f.probeResults) > 1 {
		f.probeResults = f.probeResults[1:]
	}
	return st, nil
}

func (f *fakeAPI) Publish(context.Context, string) (string, error) {
	f.publishCalls++
	return "published-1", nil
}

func (f *fakeAPI) SearchLocation(context.Context, Geo) (string, error) {
	f.searchCalls++
	return f.locationID, f.searchErr
}

func fastReady() ReadyConfig {
	return ReadyConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Deadline:     200 * time.Millisecond,
	}
}

func TestGeoValidationRejectsBeforeNetwork(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		geo  Geo
	}{
		{"lat too high", Geo{Latitude: 91, Longitude: 0}},
		{"lat too low", Geo{Latitude: -90.5, Longitude: 0}},
		{"lon too low", Geo{Latitude: 0, Longitude: -181}},
		{"lon too high", Geo{Latitude: 0, Longitude: 180.1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			api := &fakeAPI{}
			p := New(api, fastReady(), logx.Nop())
			geo := tc.geo
			_, err := p.PublishPhoto(context.Background(), Photo{ImageURL: "https://x/y.jpg", Geo: &geo})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if api.searchCalls+api.createCalls+api.publishCalls != 0 {
				t.Fatalf("network calls made despite invalid geo: %+v", api)
			}
		})
	}
}

func TestPublishPhotoFlow(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{locationID: "loc-9"}
	p := New(api, fastReady(), logx.Nop())

	lat, lon := 48.8566, 2.3522
	id, err := p.PublishPhoto(context.Background(), Photo{
		ImageURL:     "https://img/x.jpg",
		Caption:      "Sunset over Paris",
		Hashtags:     []string{"travel", "#paris"},
		Geo:          &Geo{Latitude: lat, Longitude: lon},
		TagUsernames: []string{"friend"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "published-1" {
		t.Fatalf("published id = %q", id)
	}
	if api.createCalls != 1 || api.publishCalls != 1 || api.searchCalls != 1 {
		t.Fatalf("call counts: %+v", api)
	}
	if api.lastSpec.LocationID != "loc-9" {
		t.Fatalf("location id = %q, want loc-9", api.lastSpec.LocationID)
	}
	wantCaption := "Sunset over Paris\n\n#travel #paris"
	if api.lastSpec.Caption != wantCaption {
		t.Fatalf("caption = %q, want %q", api.lastSpec.Caption, wantCaption)
	}
	if len(api.lastSpec.UserTags) != 1 || api.lastSpec.UserTags[0].Username != "friend" {
		t.Fatalf("user tags = %+v", api.lastSpec.UserTags)
	}
	tag := api.lastSpec.UserTags[0]
	if tag.X < 0 || tag.X > 1 || tag.Y < 0 || tag.Y > 1 {
		t.Fatalf("tag position out of range: %+v", tag)
	}
}

func TestLocationLookupFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{searchErr: errors.New("search down")}
	p := New(api, fastReady(), logx.Nop())

	_, err := p.PublishPhoto(context.Background(), Photo{
		ImageURL: "https://img/x.jpg",
		Geo:      &Geo{Latitude: 1, Longitude: 1},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if api.lastSpec.LocationID != "" {
		t.Fatalf("location id = %q, want empty", api.lastSpec.LocationID)
	}
}

func TestAwaitReadyTimesOut(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{probeResults: []ContainerStatus{StatusInProgress}}
	err := AwaitReady(context.Background(), api, "c1", fastReady())
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("err = %v, want ErrReadyTimeout", err)
	}
	// The poll must have backed off between probes rather than spinning.
	if api.probeCalls < 2 || api.probeCalls > 100 {
		t.Fatalf("probe calls = %d, want a bounded poll", api.probeCalls)
	}
}

func TestAwaitReadyTerminalError(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{probeResults: []ContainerStatus{StatusInProgress, StatusError}}
	err := AwaitReady(context.Background(), api, "c1", fastReady())
	if !errors.Is(err, ErrContainerFailed) {
		t.Fatalf("err = %v, want ErrContainerFailed", err)
	}
	if api.probeCalls != 2 {
		t.Fatalf("probe calls = %d, want 2 (ERROR is terminal)", api.probeCalls)
	}
}

func TestCarouselLimits(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p := New(api, fastReady(), logx.Nop())

	urls := make([]string, 11)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://img/%d.jpg", i)
	}
	_, err := p.PublishCarousel(context.Background(), urls, "cap", nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for 11 children", err)
	}
	if api.createCalls != 0 {
		t.Fatalf("containers created for invalid carousel")
	}

	id, err := p.PublishCarousel(context.Background(), urls[:3], "cap", []string{"x"})
	if err != nil {
		t.Fatalf("carousel: %v", err)
	}
	if id != "published-1" {
		t.Fatalf("published id = %q", id)
	}
	// 3 children + 1 parent.
	if api.createCalls != 4 {
		t.Fatalf("create calls = %d, want 4", api.createCalls)
	}
	if len(api.lastSpec.Children) != 3 {
		t.Fatalf("parent children = %+v", api.lastSpec.Children)
	}
}

func TestFormatCaption(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		tags []string
		want string
	}{
		{"hello", []string{"a", "#b"}, "hello\n\n#a #b"},
		{"hello", nil, "hello"},
		{"", []string{"solo"}, "#solo"},
		{"  padded  ", []string{" ", "tag"}, "padded\n\n#tag"},
	}
	for _, tc := range cases {
		if got := FormatCaption(tc.text, tc.tags); got != tc.want {
			t.Fatalf("FormatCaption(%q, %v) = %q, want %q", tc.text, tc.tags, got, tc.want)
		}
	}
}
