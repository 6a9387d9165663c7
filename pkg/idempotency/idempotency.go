// Package idempotency deduplicates retried mutating requests by a
// caller-supplied key. A record of each keyed request (hash of the body plus
// the outcome) is kept for a TTL window; identical retries replay the stored
// outcome without re-executing the handler, and key reuse with a different
// body is a hard conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is the retention window for idempotency records. Expiry is
// lazy: checked on lookup, never swept proactively.
const DefaultTTL = 24 * time.Hour

var (
	// ErrKeyConflict indicates an idempotency key was reused with a
	// different request body. This is a contract violation, not a retry.
	ErrKeyConflict = errors.New("idempotency key reused with a different request")

	// ErrInFlight indicates another request holding the same key has
	// reserved the record but not yet finished.
	ErrInFlight = errors.New("request with this idempotency key is still being processed")
)

// IsKeyConflict checks if an error indicates idempotency key reuse.
func IsKeyConflict(err error) bool {
	return errors.Is(err, ErrKeyConflict)
}

// IsInFlight checks if an error indicates a concurrent holder of the key.
func IsInFlight(err error) bool {
	return errors.Is(err, ErrInFlight)
}

// RecordStatus tracks whether the keyed request has finished.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordCompleted RecordStatus = "completed"
)

// Record is one stored idempotency entry, keyed by (organization, key,
// endpoint).
type Record struct {
	Key          string          `json:"key"`
	Endpoint     string          `json:"endpoint"`
	RequestHash  string          `json:"request_hash"`
	Status       RecordStatus    `json:"status"`
	Response     json.RawMessage `json:"response,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Backend persists idempotency records. Reserve must be atomic: when two
// concurrent requests race on the same (org, key, endpoint), exactly one
// wins and the loser receives the winner's record.
type Backend interface {
	// Get returns the record for the key, or nil when absent or expired.
	Get(ctx context.Context, orgID, key, endpoint string) (*Record, error)

	// Reserve atomically creates a pending record. When the key is already
	// held it returns the existing record and created=false.
	Reserve(ctx context.Context, orgID string, record *Record) (existing *Record, created bool, err error)

	// Complete stores the outcome on a previously reserved record.
	Complete(ctx context.Context, orgID string, record *Record) error
}

// Handler executes the guarded mutation and returns its JSON-serializable
// response.
type Handler func(ctx context.Context) (any, error)

// Outcome is the result of a deduplicated request.
type Outcome struct {
	Response json.RawMessage
	// Cached is true when the response was replayed from a stored record
	// and the handler was not invoked.
	Cached bool
}

// Service deduplicates requests against a backend.
type Service struct {
	backend Backend
	ttl     time.Duration
	logger  *slog.Logger
}

// NewService creates an idempotency service with the default TTL.
func NewService(backend Backend, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		ttl:     DefaultTTL,
		logger:  logger.With("module", "idempotency"),
	}
}

// WithTTL overrides the record retention window.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl

	return s
}

// Process runs the handler at most once per (key, endpoint, body) within the
// TTL window. An empty key disables deduplication: idempotency is opt-in per
// caller.
func (s *Service) Process(ctx context.Context, orgID, key, endpoint string, body any, handler Handler) (*Outcome, error) {
	if key == "" {
		return s.execute(ctx, handler)
	}

	requestHash, err := HashRequest(body)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request body: %w", err)
	}

	existing, err := s.backend.Get(ctx, orgID, key, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency record: %w", err)
	}

	if existing != nil {
		return s.replay(existing, requestHash)
	}

	now := time.Now().UTC()
	record := &Record{
		Key:         key,
		Endpoint:    endpoint,
		RequestHash: requestHash,
		Status:      RecordPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	winner, created, err := s.backend.Reserve(ctx, orgID, record)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency record: %w", err)
	}

	if !created {
		// Lost a race with a concurrent request holding the same key.
		return s.replay(winner, requestHash)
	}

	outcome, handlerErr := s.execute(ctx, handler)

	// The outcome is persisted whether or not the handler failed, so a
	// crashed-but-completed mutation is not silently re-executed on retry.
	record.Status = RecordCompleted
	if handlerErr != nil {
		record.ErrorMessage = handlerErr.Error()
	} else {
		record.Response = outcome.Response
	}

	if err := s.backend.Complete(ctx, orgID, record); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist idempotency outcome",
			"key", key, "endpoint", endpoint, "error", err)
	}

	if handlerErr != nil {
		return nil, handlerErr
	}

	return outcome, nil
}

func (s *Service) execute(ctx context.Context, handler Handler) (*Outcome, error) {
	response, err := handler(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handler response: %w", err)
	}

	return &Outcome{Response: payload}, nil
}

func (s *Service) replay(record *Record, requestHash string) (*Outcome, error) {
	if record.RequestHash != requestHash {
		return nil, fmt.Errorf("%w: key %q", ErrKeyConflict, record.Key)
	}

	if record.Status == RecordPending {
		return nil, fmt.Errorf("%w: key %q", ErrInFlight, record.Key)
	}

	if record.ErrorMessage != "" {
		return nil, fmt.Errorf("replayed failure: %s", record.ErrorMessage)
	}

	return &Outcome{Response: record.Response, Cached: true}, nil
}

// HashRequest computes a stable, field-order-independent SHA-256 hash of the
// request body.
func HashRequest(body any) (string, error) {
	canonical, err := canonicalize(body)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// canonicalize round-trips the body through a generic value so that maps are
// re-marshalled with sorted keys regardless of input field order.
func canonicalize(body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var generic any

	err = json.Unmarshal(raw, &generic)
	if err != nil {
		return nil, err
	}

	return json.Marshal(generic)
}
