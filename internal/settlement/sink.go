package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxMessageBytes stays under the Pub/Sub 10MB request limit.
const maxMessageBytes = 9 << 20

// Ack confirms that the boundary durably accepted a whole batch.
type Ack struct {
	Reference string
	// ReserveAssets is set when the boundary reports the post-settlement
	// reserve balance alongside the ack.
	ReserveAssets *decimal.Decimal
	At            time.Time
}

// Sink commits a batch to the external settlement boundary. Implementations
// must accept or refuse the batch as a whole. Errors carrying
// SETTLEMENT_TIMEOUT may be retried; SETTLEMENT_REJECTED is final.
type Sink interface {
	CommitBatch(ctx context.Context, batch ledger.Batch) (Ack, error)
}

// Timeout marks err as a retryable settlement failure.
func Timeout(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeSettlementTimeout, err, "settlement commit did not complete")
}

// Rejected marks err as a terminal settlement failure.
func Rejected(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeSettlementRejected, err, "settlement commit rejected")
}

// classify maps transport errors onto the two settlement codes. Cancellation
// of the caller is passed through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if pkgerrors.HasCode(err, pkgerrors.CodeSettlementTimeout) || pkgerrors.HasCode(err, pkgerrors.CodeSettlementRejected) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return Rejected(err)
	}
	return Timeout(err)
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type gcpPublisher struct {
	pub *gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.pub.Publish(ctx, msg)
}

// PubSubSink publishes each batch as a single message and treats the server
// message id as the commit acknowledgement.
type PubSubSink struct {
	pub publisher
	now func() time.Time
}

// NewPubSubSink wraps a topic publisher.
func NewPubSubSink(pub *gcppubsub.Publisher) (*PubSubSink, error) {
	if pub == nil {
		return nil, errors.New("settlement publisher required")
	}
	return newPubSubSink(gcpPublisher{pub: pub}, time.Now), nil
}

func newPubSubSink(pub publisher, now func() time.Time) *PubSubSink {
	return &PubSubSink{pub: pub, now: now}
}

type batchPayload struct {
	BatchID     uuid.UUID         `json:"batch_id"`
	RoundID     string            `json:"round_id"`
	Lines       []commission.Line `json:"lines"`
	Total       decimal.Decimal   `json:"total"`
	Pending     decimal.Decimal   `json:"pending"`
	Unallocated decimal.Decimal   `json:"unallocated"`
	Remainder   decimal.Decimal   `json:"remainder"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (s *PubSubSink) CommitBatch(ctx context.Context, batch ledger.Batch) (Ack, error) {
	data, err := json.Marshal(batchPayload{
		BatchID:     batch.ID,
		RoundID:     batch.RoundID,
		Lines:       batch.Lines,
		Total:       batch.Total(),
		Pending:     batch.PendingTotal(),
		Unallocated: batch.Unallocated,
		Remainder:   batch.Remainder,
		CreatedAt:   batch.CreatedAt,
	})
	if err != nil {
		return Ack{}, Rejected(fmt.Errorf("encode batch: %w", err))
	}
	if len(data) > maxMessageBytes {
		return Ack{}, Rejected(fmt.Errorf("batch payload is %d bytes", len(data)))
	}

	msg := &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"batch_id":   batch.ID.String(),
			"round_id":   batch.RoundID,
			"line_count": strconv.Itoa(len(batch.Lines)),
			"total":      batch.Total().String(),
		},
	}
	result := s.pub.Publish(ctx, msg)
	if result == nil {
		return Ack{}, Rejected(errors.New("publisher returned no result"))
	}
	id, err := result.Get(ctx)
	if err != nil {
		return Ack{}, classify(err)
	}
	return Ack{Reference: id, At: s.now().UTC()}, nil
}
