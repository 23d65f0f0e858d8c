package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultUpstreamTimeout = 15 * time.Second

// UpstreamKey is the payload the credential-issuance service returns.
// It is treated as opaque beyond these two fields.
type UpstreamKey struct {
	APIKey string `json:"api_key"`
	ID     string `json:"id"`
}

// UpstreamClient delegates raw key-material generation to the external
// issuing service.
type UpstreamClient interface {
	IssueKey(ctx context.Context, email string) (*UpstreamKey, error)
}

// HTTPUpstream talks to the issuing service over HTTP.
type HTTPUpstream struct {
	client *resty.Client
}

var _ UpstreamClient = (*HTTPUpstream)(nil)

func NewHTTPUpstream(baseURL string) *HTTPUpstream {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultUpstreamTimeout).
		SetHeader("User-Agent", "key-service/1.0")

	return &HTTPUpstream{client: client}
}

// IssueKey requests a new user key from the upstream service. Any
// non-success status counts as a failed issuance.
func (u *HTTPUpstream) IssueKey(ctx context.Context, email string) (*UpstreamKey, error) {
	var out UpstreamKey
	resp, err := u.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email}).
		SetResult(&out).
		Post("/v1/users")
	if err != nil {
		return nil, fmt.Errorf("upstream issuance request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("upstream issuance returned status %d", resp.StatusCode())
	}
	if out.APIKey == "" {
		return nil, errors.New("upstream issuance returned an empty key")
	}
	return &out, nil
}
