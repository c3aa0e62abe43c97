// Package input defines the track model and the contract between the
// playback engine and its catalog collaborators: a module hands out
// TrackInfo values whose resolver produces short-lived stream URLs on
// demand.
package input

// ArtistImage holds artwork URLs in the sizes a catalog typically serves.
type ArtistImage struct {
	Small     string `json:"small,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Large     string `json:"large,omitempty"`
}

// AlbumImage holds album artwork URLs.
type AlbumImage struct {
	Small     string `json:"small,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Large     string `json:"large,omitempty"`
}

type Artist struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Image *ArtistImage `json:"image,omitempty"`
}

type Album struct {
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	Artist *Artist     `json:"artist,omitempty"`
	Image  *AlbumImage `json:"image,omitempty"`
}

// Track is the human-visible metadata of a queue entry. The engine treats
// it as opaque except for display in state events.
type Track struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Duration  int     `json:"duration"` // seconds
	Performer *Artist `json:"performer,omitempty"`
	Album     *Album  `json:"album,omitempty"`
}

// TrackUrl is an ephemeral, typically signed stream location.
type TrackUrl struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// LinkRetriever resolves a TrackUrl at play time. It may fail: URLs expire
// and the catalog may be unreachable.
type LinkRetriever func() (TrackUrl, error)

// TrackInfo is one playable entry: identity, a lazy URL resolver and
// optional metadata. Immutable once placed in the queue.
type TrackInfo struct {
	ID            string
	LinkRetriever LinkRetriever
	Metadata      *Track
}

// Module is the catalog collaborator surface the engine consumes.
type Module interface {
	// Name identifies the module, e.g. for persisted state.
	Name() string
	// GetTrackInfo resolves track ids into playable entries. Order follows
	// the input ids; unknown ids are skipped.
	GetTrackInfo(ids []string) ([]TrackInfo, error)
}
