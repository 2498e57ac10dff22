package inferbill

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Outcome is what was communicated to the caller for a claimed key.
// Exactly one of Result or Kind is set.
type Outcome struct {
	Result  *ConfirmResult `json:"result,omitempty"`
	Kind    Kind           `json:"kind,omitempty"`
	Message string         `json:"message,omitempty"`
}

// OutcomeFromError captures err as a replayable outcome.
func OutcomeFromError(err error) Outcome {
	return Outcome{Kind: KindOf(err), Message: MessageOf(err)}
}

// Err rebuilds the stored error, marked as replayed, or nil for a success
// outcome.
func (o Outcome) Err() error {
	if o.Kind == "" {
		return nil
	}
	return &Error{Kind: o.Kind, Message: o.Message, Replayed: true}
}

// Guard suppresses duplicate submissions of the same request.
type Guard struct {
	store   IdempotencyStore
	bucket  time.Duration
	auditor *Auditor
	log     *zap.Logger
	now     func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithBucket sets the time bucket folded into keys. Default 1m.
func WithBucket(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.bucket = d
		}
	}
}

// WithGuardAuditor sets the auditor.
func WithGuardAuditor(a *Auditor) GuardOption {
	return func(g *Guard) { g.auditor = a }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(log *zap.Logger) GuardOption {
	return func(g *Guard) { g.log = log }
}

// WithGuardClock overrides the time source.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard backed by store.
func NewGuard(store IdempotencyStore, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		bucket: time.Minute,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("idempotency")
	return g
}

// Bucket returns the configured bucket length.
func (g *Guard) Bucket() time.Duration { return g.bucket }

// Key fingerprints a request. Identical identity and payload inside the same
// bucket yield the same key.
func (g *Guard) Key(identity string, payload []byte, now time.Time) string {
	var bucket [8]byte
	binary.BigEndian.PutUint64(bucket[:], uint64(now.UTC().Truncate(g.bucket).Unix()))

	h := sha256.New()
	writeField(h, []byte(identity))
	writeField(h, payload)
	h.Write(bucket[:])
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes b so adjacent fields cannot run together.
func writeField(h io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// CheckAndClaim claims key for identity. It returns false when the key was
// already claimed. A store failure returns true so the request proceeds.
func (g *Guard) CheckAndClaim(ctx context.Context, key, identity string) bool {
	err := g.store.Claim(ctx, IdempotencyRecord{
		Key:       key,
		Identity:  identity,
		CreatedAt: g.now().UTC(),
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrDuplicateKey):
		return false
	default:
		g.log.Warn("idempotency store unavailable, allowing",
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.Error(err),
		)
		g.auditor.Record(ctx, Event{
			Identity: identity,
			Level:    LevelWarn,
			Code:     CodeIdempotencyStoreDown,
			Message:  "idempotency store unavailable, failing open",
			Metadata: map[string]any{"error": err.Error()},
		})
		return true
	}
}

// Remember stores the outcome communicated for key. Only the first call wins.
func (g *Guard) Remember(ctx context.Context, key string, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("inferbill: encode outcome: %w", err)
	}
	if err := g.store.SaveOutcome(ctx, key, data); err != nil {
		return fmt.Errorf("inferbill: save outcome: %w", err)
	}
	return nil
}

// Recall returns the outcome stored for key, if any. Store errors are treated
// as a missing outcome.
func (g *Guard) Recall(ctx context.Context, key string) (Outcome, bool) {
	data, ok, err := g.store.Outcome(ctx, key)
	if err != nil {
		g.log.Warn("outcome lookup failed",
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.Error(err),
		)
		return Outcome{}, false
	}
	if !ok {
		return Outcome{}, false
	}

	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		g.log.Warn("outcome decode failed",
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.Error(err),
		)
		return Outcome{}, false
	}
	return o, true
}
