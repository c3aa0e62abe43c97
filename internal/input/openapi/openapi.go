// Package openapi is the reference HTTP catalog input module: a thin
// client over a JSON track API that resolves track metadata, short-lived
// stream URLs, favorites and autoplay suggestions.
package openapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/harmonia-player/harmonia/internal/event"
	"github.com/harmonia-player/harmonia/internal/input"
)

const (
	moduleName     = "openapi"
	requestTimeout = 30 * time.Second
)

// Emitter publishes favorites events; satisfied by *event.Bus. May be nil.
type Emitter interface {
	Dispatch(topic event.Topic, payload any)
}

// Module is the HTTP catalog adapter.
type Module struct {
	client  *resty.Client
	emitter Emitter
}

// NewModule creates a catalog client for baseURL. The token, when present,
// is sent as a bearer credential.
func NewModule(baseURL, token string, emitter Emitter) *Module {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)
	if token != "" {
		client.SetAuthToken(token)
	}

	return &Module{client: client, emitter: emitter}
}

// Name identifies the module in persisted state.
func (m *Module) Name() string {
	return moduleName
}

type trackPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Duration  int    `json:"duration"`
	Performer *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"performer"`
	Album *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Image *struct {
			Small     string `json:"small"`
			Thumbnail string `json:"thumbnail"`
			Large     string `json:"large"`
		} `json:"image"`
	} `json:"album"`
}

func (p trackPayload) toTrack() *input.Track {
	t := &input.Track{
		ID:       p.ID,
		Title:    p.Title,
		Duration: p.Duration,
	}
	if p.Performer != nil {
		t.Performer = &input.Artist{ID: p.Performer.ID, Name: p.Performer.Name}
	}
	if p.Album != nil {
		t.Album = &input.Album{ID: p.Album.ID, Title: p.Album.Title}
		if p.Album.Image != nil {
			t.Album.Image = &input.AlbumImage{
				Small:     p.Album.Image.Small,
				Thumbnail: p.Album.Image.Thumbnail,
				Large:     p.Album.Image.Large,
			}
		}
	}
	return t
}

// GetTrackInfo resolves track ids into playable entries. Ids the catalog
// does not know are skipped.
func (m *Module) GetTrackInfo(ids []string) ([]input.TrackInfo, error) {
	resp, err := m.client.R().
		SetQueryParam("ids", strings.Join(ids, ",")).
		Get("/v1/tracks")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tracks: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var payload struct {
		Tracks []trackPayload `json:"tracks"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse tracks response: %w", err)
	}

	byID := make(map[string]trackPayload, len(payload.Tracks))
	for _, t := range payload.Tracks {
		byID[t.ID] = t
	}

	infos := make([]input.TrackInfo, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			log.Warn().Str("track", id).Msg("Catalog does not know requested track")
			continue
		}
		trackID := id
		infos = append(infos, input.TrackInfo{
			ID:            trackID,
			LinkRetriever: func() (input.TrackUrl, error) { return m.ResolveURL(trackID) },
			Metadata:      t.toTrack(),
		})
	}
	return infos, nil
}

// ResolveURL fetches a fresh signed stream URL for one track.
func (m *Module) ResolveURL(trackID string) (input.TrackUrl, error) {
	resp, err := m.client.R().Get(fmt.Sprintf("/v1/tracks/%s/url", trackID))
	if err != nil {
		return input.TrackUrl{}, fmt.Errorf("failed to resolve track url: %w", err)
	}
	if !resp.IsSuccess() {
		return input.TrackUrl{}, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var url input.TrackUrl
	if err := json.Unmarshal(resp.Body(), &url); err != nil {
		return input.TrackUrl{}, fmt.Errorf("failed to parse track url response: %w", err)
	}
	return url, nil
}

// Suggestions returns track ids to continue playback with, for autoplay
// consumers reacting to RequestMoreTracks.
func (m *Module) Suggestions(trackID string, limit int) ([]string, error) {
	resp, err := m.client.R().
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		Get(fmt.Sprintf("/v1/tracks/%s/suggestions", trackID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch suggestions: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var payload struct {
		Tracks []string `json:"tracks"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse suggestions response: %w", err)
	}
	return payload.Tracks, nil
}

// AddFavorite marks an item as favorite and publishes FavoriteAdded.
func (m *Module) AddFavorite(kind, id string) error {
	resp, err := m.client.R().Put(fmt.Sprintf("/v1/favorites/%s/%s", kind, id))
	if err != nil {
		return fmt.Errorf("failed to add favorite: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	if m.emitter != nil {
		m.emitter.Dispatch(event.FavoriteAdded, id)
	}
	return nil
}

// RemoveFavorite clears a favorite mark and publishes FavoriteRemoved.
func (m *Module) RemoveFavorite(kind, id string) error {
	resp, err := m.client.R().Delete(fmt.Sprintf("/v1/favorites/%s/%s", kind, id))
	if err != nil {
		return fmt.Errorf("failed to remove favorite: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	if m.emitter != nil {
		m.emitter.Dispatch(event.FavoriteRemoved, id)
	}
	return nil
}
