package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"card-deal-alerts/internal/listing"
)

// Listener connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// DealBatchFunc receives a gated push batch. The first element is the deal
// that passed the high-tier gate; the rest of the batch rides along for
// rebroadcast.
type DealBatchFunc func(ctx context.Context, batch []listing.Listing)

// Options parameterise the push listener.
type Options struct {
	EventsURL  string
	APIKey     string
	UserAgent  string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Listener consumes the upstream one-way push stream of recent high-tier
// listings and raises exactly one alert per interesting batch. The
// connection lives in a reconnect loop with exponential backoff and jitter,
// so transient drops do not require a caller restart.
type Listener struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	onBatch DealBatchFunc
	retry   *backoff.Backoff

	mu    sync.Mutex
	state State
}

// NewListener constructs a push listener. onBatch must be non-nil.
func NewListener(opts Options, onBatch DealBatchFunc, logger zerolog.Logger) *Listener {
	if onBatch == nil {
		panic("notify: onBatch must not be nil")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}

	return &Listener{
		opts:    opts,
		logger:  logger.With().Str("component", "push_listener").Logger(),
		client:  &http.Client{},
		onBatch: onBatch,
		retry: &backoff.Backoff{
			Min:    opts.MinBackoff,
			Max:    opts.MaxBackoff,
			Factor: 2,
			Jitter: true,
		},
		state: StateDisconnected,
	}
}

// State reports the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run blocks, consuming the push stream until ctx is cancelled. Stream and
// connect failures are retried with backoff; they never propagate as errors.
func (l *Listener) Run(ctx context.Context) error {
	if l.opts.EventsURL == "" {
		return errors.New("events url not configured")
	}

	defer l.setState(StateDisconnected)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.setState(StateConnecting)
		body, err := l.open(ctx)
		if err != nil {
			l.setState(StateDisconnected)
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			delay := l.retry.Duration()
			l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("push stream connect failed")
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		l.setState(StateConnected)
		l.retry.Reset()
		l.logger.Info().Str("url", l.opts.EventsURL).Msg("push stream connected")

		streamErr := l.consume(ctx, body)
		body.Close()
		l.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := l.retry.Duration()
		l.logger.Warn().Err(streamErr).Dur("retry_in", delay).Msg("push stream dropped")
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (l *Listener) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.opts.EventsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if l.opts.APIKey != "" {
		req.Header.Set("X-API-Key", l.opts.APIKey)
	}
	if ua := strings.TrimSpace(l.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("push stream status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// consume reads SSE frames until the stream ends. Malformed payloads are
// logged and skipped; they never stop the stream.
func (l *Listener) consume(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) > 0 {
				l.dispatch(ctx, strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry:, and comment lines are irrelevant here.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("push stream closed by upstream")
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	var batch []listing.Listing
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		l.logger.Warn().Err(err).Msg("malformed push payload skipped")
		return
	}
	if len(batch) == 0 {
		return
	}

	// Only the head of the batch gates the alert; the backend sends the
	// freshest deal first.
	if !batch[0].HighTier() {
		return
	}

	l.onBatch(ctx, batch)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
