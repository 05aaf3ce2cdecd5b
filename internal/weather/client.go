package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
)

// DefaultBaseURL is the weatherapi.com current-conditions endpoint root.
const DefaultBaseURL = "https://api.weatherapi.com/v1"

var (
	// ErrUpstream covers transport failures and non-2xx statuses; the poll
	// cycle is skipped and retried on the next tick.
	ErrUpstream = errors.New("weather: upstream failure")
	// ErrDecode means the response body did not match the expected shape.
	ErrDecode = errors.New("weather: malformed response")
)

// ClientOptions configures the weather client.
type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	// BreakerMaxFailures is the number of consecutive fetch failures before
	// the circuit opens and fetches fail fast.
	BreakerMaxFailures uint32
	// BreakerTimeout is how long the circuit stays open before a probe.
	BreakerTimeout time.Duration
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		BaseURL:            DefaultBaseURL,
		Timeout:            20 * time.Second,
		BreakerMaxFailures: 3,
		BreakerTimeout:     5 * time.Minute,
	}
}

// Client fetches current conditions from the weather API. It holds no state
// between fetches beyond the circuit breaker counters; every fetch is
// independent, with no caching.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	breaker *gobreaker.CircuitBreaker[Sample]
}

// NewClient creates a weather client with the given static API key.
func NewClient(apiKey string, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 3
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		http:    &http.Client{Timeout: opts.Timeout},
		baseURL: opts.BaseURL,
		apiKey:  apiKey,
	}
	c.breaker = gobreaker.NewCircuitBreaker[Sample](gobreaker.Settings{
		Name:        "weatherapi",
		MaxRequests: 1, // one probe in half-open
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("weather: circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

// currentResponse mirrors the subset of the API response we consume.
// Pointer fields distinguish "absent" from zero so shape deviations surface
// as decode errors instead of silent zeros.
type currentResponse struct {
	Current *struct {
		TempF     *float64 `json:"temp_f"`
		Humidity  *int     `json:"humidity"`
		Condition struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
}

// Fetch performs one request for the current conditions at location and
// assembles a Sample. The location string is an external input: it is
// query-encoded, never spliced into the URL.
func (c *Client) Fetch(ctx context.Context, location string) (Sample, error) {
	sample, err := c.breaker.Execute(func() (Sample, error) {
		return c.fetch(ctx, location)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Sample{}, fmt.Errorf("%w: circuit open: %v", ErrUpstream, err)
		}
		return Sample{}, err
	}
	return sample, nil
}

func (c *Client) fetch(ctx context.Context, location string) (Sample, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("q", location)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/current.json?"+q.Encode(), nil)
	if err != nil {
		return Sample{}, fmt.Errorf("weather: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Sample{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var body currentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if body.Current == nil || body.Current.TempF == nil || body.Current.Humidity == nil {
		return Sample{}, fmt.Errorf("%w: missing current conditions", ErrDecode)
	}

	return Sample{
		TempF:         *body.Current.TempF,
		Humidity:      *body.Current.Humidity,
		ConditionRank: Rank(body.Current.Condition.Text),
	}, nil
}
