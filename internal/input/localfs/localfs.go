// Package localfs is an input module over a local music directory: track
// ids are paths relative to the root, metadata comes from embedded tags,
// and stream URLs point at a loopback HTTP file server so the engine plays
// local files through the same transport as remote ones.
package localfs

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhowden/tag"
	"github.com/rs/zerolog/log"

	"github.com/harmonia-player/harmonia/internal/input"
)

const moduleName = "localfs"

// Module serves a music directory as an input module.
type Module struct {
	root     string
	server   *http.Server
	baseURL  string
	listener net.Listener
}

// NewModule validates the root directory and starts the loopback file
// server.
func NewModule(root string) (*Module, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot access music directory %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", root)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start local file server: %w", err)
	}

	m := &Module{
		root:     root,
		listener: listener,
		baseURL:  fmt.Sprintf("http://%s", listener.Addr().String()),
	}
	m.server = &http.Server{Handler: http.FileServer(http.Dir(root))}

	go func() {
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Local file server stopped")
		}
	}()

	log.Debug().Str("root", root).Str("baseURL", m.baseURL).Msg("Local file server started")
	return m, nil
}

// Close shuts the file server down.
func (m *Module) Close() error {
	return m.server.Close()
}

// Name identifies the module in persisted state.
func (m *Module) Name() string {
	return moduleName
}

// Scan walks the root directory and returns the relative paths of all FLAC
// files, sorted for deterministic ordering. Individual unreadable files are
// skipped with a warning.
func (m *Module) Scan() ([]string, error) {
	var ids []string
	err := filepath.Walk(m.root, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			log.Warn().Err(walkErr).Str("path", path).Msg("Error accessing path during scan")
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		if strings.ToLower(filepath.Ext(path)) != ".flac" {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return nil
		}
		ids = append(ids, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking music directory %q: %w", m.root, err)
	}

	sort.Strings(ids)
	return ids, nil
}

// GetTrackInfo builds playable entries for the given relative paths. Files
// that cannot be read are skipped.
func (m *Module) GetTrackInfo(ids []string) ([]input.TrackInfo, error) {
	infos := make([]input.TrackInfo, 0, len(ids))
	for _, id := range ids {
		full := filepath.Join(m.root, filepath.FromSlash(id))
		if _, err := os.Stat(full); err != nil {
			log.Warn().Err(err).Str("track", id).Msg("Skipping unreadable track")
			continue
		}

		trackID := id
		infos = append(infos, input.TrackInfo{
			ID:            trackID,
			LinkRetriever: func() (input.TrackUrl, error) { return m.resolve(trackID) },
			Metadata:      m.readMetadata(trackID, full),
		})
	}
	return infos, nil
}

func (m *Module) resolve(id string) (input.TrackUrl, error) {
	escaped := url.PathEscape(filepath.ToSlash(id))
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return input.TrackUrl{
		URL:    m.baseURL + "/" + escaped,
		Format: "flac",
	}, nil
}

// readMetadata pulls embedded tags; a file without tags still plays, with
// its filename as the title.
func (m *Module) readMetadata(id, path string) *input.Track {
	track := &input.Track{
		ID:    id,
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}

	f, err := os.Open(path)
	if err != nil {
		return track
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		log.Debug().Err(err).Str("track", id).Msg("No readable tags")
		return track
	}

	if meta.Title() != "" {
		track.Title = meta.Title()
	}
	if meta.Artist() != "" {
		track.Performer = &input.Artist{ID: meta.Artist(), Name: meta.Artist()}
	}
	if meta.Album() != "" {
		track.Album = &input.Album{ID: meta.Album(), Title: meta.Album()}
	}
	return track
}
