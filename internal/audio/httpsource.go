package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 5 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
	defaultRetryAttempts  = 4
	defaultRetryBudget    = 10 * time.Second
	maxRedirects          = 5
	sourceChunkSize       = 32 * 1024
)

// SourceConfig tunes the HTTP source node. Zero values fall back to the
// package defaults above.
type SourceConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // idle-read timeout on the response body
	RetryDelay     time.Duration // initial backoff, doubled per attempt
	RetryAttempts  int
	RetryBudget    time.Duration // total time allowed across retries
	UserAgent      string
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaultRetryBudget
	}
	return c
}

type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("stream returned status %d: %s", e.StatusCode, e.Status)
}

// Relies on context cancellation to clean up the spawned read goroutine.
type idleTimeoutReader struct {
	reader  io.Reader
	ctx     context.Context
	timeout time.Duration
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := r.reader.Read(p)
		select {
		case done <- result{n, err}:
		case <-r.ctx.Done():
		}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-timer.C:
		return 0, fmt.Errorf("read timeout: no data received for %v", r.timeout)
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
}

// HTTPSource downloads a URL into a ring buffer on a dedicated goroutine.
// State transitions are reported through the notify callback:
// PREPARING -> STREAMING -> FINISHED, or ERROR, or STOPPED after Stop.
type HTTPSource struct {
	url    string
	ring   *RingBuffer
	cfg    SourceConfig
	client *http.Client
	notify func(NodeState, string)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	totalBytes   int64 // Content-Length of the initial response, -1 if unknown
	bytesWritten int64
	acceptRanges bool
}

// NewHTTPSource builds a source for url writing into ring. The notify
// callback receives every node-state change; it must not block.
func NewHTTPSource(url string, ring *RingBuffer, cfg SourceConfig, notify func(NodeState, string)) *HTTPSource {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ConnectTimeout,
			DisableCompression:    true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &HTTPSource{
		url:        url,
		ring:       ring,
		cfg:        cfg,
		client:     client,
		notify:     notify,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		totalBytes: -1,
	}
}

// Start launches the download goroutine.
func (s *HTTPSource) Start() {
	go s.run()
}

// Stop cancels the download. The ring is canceled so a blocked writer or
// reader wakes up immediately. Safe to call more than once.
func (s *HTTPSource) Stop() {
	s.cancel()
	s.ring.Cancel()
}

// Done is closed when the download goroutine has exited.
func (s *HTTPSource) Done() <-chan struct{} {
	return s.done
}

// TotalBytes returns the Content-Length hint of the stream, -1 if unknown.
func (s *HTTPSource) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

func (s *HTTPSource) run() {
	defer close(s.done)

	s.notify(StatePreparing, "")

	var (
		attempt  int
		delay    = s.cfg.RetryDelay
		deadline = time.Now().Add(s.cfg.RetryBudget)
		lastErr  error
	)

	for {
		err := s.download(attempt > 0)
		if err == nil {
			s.ring.CloseWriter()
			s.notify(StateFinished, "")
			return
		}

		if s.ctx.Err() != nil || errors.Is(err, ErrCanceled) {
			s.notify(StateStopped, "")
			return
		}

		var statusErr *httpStatusError
		if errors.As(err, &statusErr) {
			// A refused initial response is fatal: the URL is signed and
			// expiring, retrying the same one cannot succeed.
			log.Warn().Err(err).Str("url", s.url).Msg("Stream request refused")
			s.fail(err)
			return
		}

		lastErr = err
		attempt++
		if attempt >= s.cfg.RetryAttempts || time.Now().Add(delay).After(deadline) {
			s.fail(fmt.Errorf("network error after %d attempts: %w", attempt, lastErr))
			return
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
			Msg("Stream download failed, retrying")

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			s.notify(StateStopped, "")
			return
		}
		delay *= 2
	}
}

func (s *HTTPSource) fail(err error) {
	s.ring.Cancel()
	s.notify(StateError, err.Error())
}

// download performs one fetch attempt. When resuming after a transient
// failure it continues from the last written offset via a Range request,
// provided the server advertised range support; otherwise restarting would
// corrupt the byte stream mid-decode, so the attempt fails permanently.
func (s *HTTPSource) download(resume bool) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return &httpStatusError{StatusCode: 0, Status: err.Error()}
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	s.mu.Lock()
	offset := s.bytesWritten
	canResume := s.acceptRanges
	s.mu.Unlock()

	if resume && offset > 0 {
		if !canResume {
			return &httpStatusError{StatusCode: 0, Status: "server does not support range resume"}
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if resume && offset > 0 && resp.StatusCode != http.StatusPartialContent {
		return &httpStatusError{StatusCode: resp.StatusCode, Status: "range request not honoured"}
	}

	s.mu.Lock()
	if !resume {
		if resp.ContentLength > 0 {
			s.totalBytes = resp.ContentLength
		}
		s.acceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	}
	s.mu.Unlock()

	s.notify(StateStreaming, "")
	log.Debug().Str("url", s.url).Int64("contentLength", resp.ContentLength).
		Msg("Stream download started")

	body := &idleTimeoutReader{reader: resp.Body, ctx: s.ctx, timeout: s.cfg.ReadTimeout}
	chunk := make([]byte, sourceChunkSize)

	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			written, writeErr := s.ring.Write(chunk[:n])
			s.mu.Lock()
			s.bytesWritten += int64(written)
			s.mu.Unlock()
			if writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return fmt.Errorf("network read error: %w", readErr)
		}
	}
}
