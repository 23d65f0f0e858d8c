package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pigment-org/key-service/internal/credential"
	"github.com/pigment-org/key-service/internal/logger"
	"github.com/pigment-org/key-service/internal/notify"
)

var (
	// ErrUpstreamIssuance marks a failure of the external issuing service.
	ErrUpstreamIssuance = errors.New("upstream key issuance failed")
	// ErrPersistence marks a failure to persist an issued key. The
	// upstream key is orphaned in that case: issuance has no rollback,
	// and upstream keys are free to issue.
	ErrPersistence = errors.New("failed to persist api key record")
)

const defaultProject = "main"

// IssueRequest carries the caller-supplied and request-derived
// provenance for a new key.
type IssueRequest struct {
	Project   string
	Email     string
	IP        string
	UserAgent string
}

// Service creates credential records: upstream key generation first,
// durable insert second, best-effort notification last.
type Service struct {
	log      *logger.Logger
	upstream UpstreamClient
	store    credential.Store
	sink     notify.Sink

	defaultRateLimit int64
}

func NewService(log *logger.Logger, upstream UpstreamClient, store credential.Store, sink notify.Sink, defaultRateLimit int64) *Service {
	return &Service{
		log:              log,
		upstream:         upstream,
		store:            store,
		sink:             sink,
		defaultRateLimit: defaultRateLimit,
	}
}

// Issue generates a new API key. The returned record contains the full
// key; this is the only time it leaves the service.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*credential.Record, error) {
	project := req.Project
	if project == "" {
		project = defaultProject
	}

	up, err := s.upstream.IssueKey(ctx, issuanceEmail(req))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamIssuance, err)
	}

	rec := &credential.Record{
		Key:       up.APIKey,
		KeyPrefix: credential.Prefix(up.APIKey),
		SubjectID: up.ID,
		Project:   project,
		Email:     req.Email,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		RateLimit: s.defaultRateLimit,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		s.log.Warn("Orphaned upstream key after persistence failure", "key_prefix", rec.KeyPrefix)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	email := req.Email
	if email == "" {
		email = "anonymous"
	}
	s.sink.Enqueue(notify.Event{
		DeliveryID: uuid.NewString(),
		Project:    project,
		Email:      email,
		IP:         req.IP,
		KeyPrefix:  rec.KeyPrefix,
	})

	return rec, nil
}

// issuanceEmail returns the caller's email, or a synthesized one when
// absent so every upstream principal still has a distinct address.
func issuanceEmail(req IssueRequest) string {
	if req.Email != "" {
		return req.Email
	}
	name := req.Project
	if name == "" {
		name = "user"
	}
	return fmt.Sprintf("%s_%d@key.pigment", name, time.Now().UnixMilli())
}
