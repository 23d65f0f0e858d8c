package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/pigment-org/key-service/internal/logger"
)

const (
	defaultBaseURL   = "https://api.github.com"
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second

	// GitHub's secondary rate limits are unforgiving; one dispatch per
	// second with a small burst is plenty for key-creation volume.
	defaultDispatchRate  = rate.Limit(1)
	defaultDispatchBurst = 5

	eventType = "new-api-key"
)

// GitHubDispatcher delivers key-creation events as repository_dispatch
// calls from a single background worker fed by a bounded queue.
type GitHubDispatcher struct {
	log     *logger.Logger
	client  *resty.Client
	limiter *rate.Limiter
	queue   chan Event
	repo    string
}

var _ Sink = (*GitHubDispatcher)(nil)

type GitHubOption func(*GitHubDispatcher)

// WithQueueSize bounds the number of pending events. Must be applied
// before Start.
func WithQueueSize(n int) GitHubOption {
	return func(d *GitHubDispatcher) { d.queue = make(chan Event, n) }
}

// WithBaseURL overrides the GitHub API endpoint. Intended for tests.
func WithBaseURL(u string) GitHubOption {
	return func(d *GitHubDispatcher) { d.client.SetBaseURL(u) }
}

// WithDispatchRate overrides the delivery politeness limiter.
func WithDispatchRate(r rate.Limit, burst int) GitHubOption {
	return func(d *GitHubDispatcher) { d.limiter = rate.NewLimiter(r, burst) }
}

// NewGitHubDispatcher targets repo ("owner/name") with the given token.
func NewGitHubDispatcher(log *logger.Logger, repo, token string, opts ...GitHubOption) *GitHubDispatcher {
	client := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(defaultTimeout).
		SetAuthToken(token).
		SetHeader("Accept", "application/vnd.github.v3+json")

	d := &GitHubDispatcher{
		log:     log,
		client:  client,
		limiter: rate.NewLimiter(defaultDispatchRate, defaultDispatchBurst),
		queue:   make(chan Event, defaultQueueSize),
		repo:    repo,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue implements Sink. A full queue drops the event with a warning
// rather than blocking the request path.
func (d *GitHubDispatcher) Enqueue(ev Event) {
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("Notification queue full, dropping key creation event", "key_prefix", ev.KeyPrefix)
	}
}

// Start launches the delivery worker. It runs until ctx is cancelled;
// events still queued at that point are abandoned.
func (d *GitHubDispatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-d.queue:
				if err := d.limiter.Wait(ctx); err != nil {
					return
				}
				d.dispatch(ctx, ev)
			}
		}
	}()
}

func (d *GitHubDispatcher) dispatch(ctx context.Context, ev Event) {
	body := map[string]any{
		"event_type": eventType,
		"client_payload": map[string]string{
			"delivery_id": ev.DeliveryID,
			"project":     ev.Project,
			"email":       ev.Email,
			"ip":          ev.IP,
			"keyPrefix":   ev.KeyPrefix,
		},
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("/repos/%s/dispatches", d.repo))
	if err != nil {
		d.log.Warn("Failed to deliver key creation notification", "key_prefix", ev.KeyPrefix, "error", err)
		return
	}
	if !resp.IsSuccess() {
		d.log.Warn("Key creation notification rejected", "key_prefix", ev.KeyPrefix, "status", resp.StatusCode())
		return
	}
	d.log.Debug("Delivered key creation notification", "key_prefix", ev.KeyPrefix)
}
