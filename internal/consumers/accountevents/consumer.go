// Package accountevents applies inbound account events from Pub/Sub to the
// ledger engine.
package accountevents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/engine"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/shopspring/decimal"
)

const consumerName = "account-events"

type handler interface {
	Register(ctx context.Context, req engine.RegisterRequest) (accounts.Account, error)
	NotifyActivation(ctx context.Context, req engine.ActivationRequest) (engine.ActivationResult, error)
	ReportVolume(ctx context.Context, req engine.VolumeRequest) error
	ReportReserveAssets(ctx context.Context, req engine.ReserveRequest) (ledger.Snapshot, error)
	ActivateSubscription(ctx context.Context, req engine.SubscriptionRequest) (time.Time, error)
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, key string) (bool, error)
	Delete(ctx context.Context, consumer, key string) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Envelope is the JSON body of every account event.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type registeredPayload struct {
	AccountID string `json:"account_id"`
	SponsorID string `json:"sponsor_id"`
}

type activationPayload struct {
	AccountID string `json:"account_id"`
	Active    bool   `json:"active"`
}

type volumePayload struct {
	AccountID string          `json:"account_id"`
	Volume    decimal.Decimal `json:"volume"`
}

type subscriptionPayload struct {
	AccountID   string `json:"account_id"`
	FromBalance bool   `json:"from_balance"`
}

type reservePayload struct {
	Amount decimal.Decimal `json:"amount"`
}

// Consumer watches the account events subscription.
type Consumer struct {
	engine       handler
	subscription receiver
	idempotency  idempotencyChecker
	logg         *logger.Logger
}

func NewConsumer(svc handler, subscription receiver, manager idempotencyChecker, logg *logger.Logger) (*Consumer, error) {
	if svc == nil {
		return nil, fmt.Errorf("ledger engine required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("account events subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		engine:       svc,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	var envelope Envelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(c.logg.WithField(ctx, "message_id", msg.ID), "failed to decode envelope", err)
		return processResult{ack: true}
	}
	rawType := msg.Attributes["event_type"]
	if rawType == "" {
		rawType = envelope.EventType
	}
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_id":   envelope.EventID,
		"event_type": rawType,
	})

	eventType, err := enums.ParseAccountEventType(rawType)
	if err != nil {
		c.logg.Info(logCtx, "skipping unsupported event")
		return processResult{ack: true}
	}
	eventID := strings.TrimSpace(envelope.EventID)
	if eventID == "" {
		c.logg.Warn(logCtx, "event id missing")
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, consumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	if err := c.handle(logCtx, eventType, envelope.Data); err != nil {
		if pkgerrors.IsRetryable(err) {
			c.logg.Error(logCtx, "account event failed, will retry", err)
			_ = c.idempotency.Delete(ctx, consumerName, eventID)
			return processResult{nack: true}
		}
		// Business rejections do not change on redelivery.
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "account event rejected")
		return processResult{ack: true}
	}

	c.logg.Info(logCtx, "account event applied")
	return processResult{ack: true}
}

func (c *Consumer) handle(ctx context.Context, eventType enums.AccountEventType, data json.RawMessage) error {
	switch eventType {
	case enums.AccountEventRegistered:
		var p registeredPayload
		if err := decode(data, &p); err != nil {
			return err
		}
		_, err := c.engine.Register(ctx, engine.RegisterRequest{AccountID: p.AccountID, SponsorID: p.SponsorID})
		if pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
			c.logg.Info(ctx, "account already registered")
			return nil
		}
		return err
	case enums.AccountEventActivation:
		var p activationPayload
		if err := decode(data, &p); err != nil {
			return err
		}
		res, err := c.engine.NotifyActivation(ctx, engine.ActivationRequest{AccountID: p.AccountID, Active: p.Active})
		if err != nil {
			return err
		}
		if res.Released.IsPositive() {
			c.logg.Info(c.logg.WithField(ctx, "released", res.Released.String()), "pending earnings released")
		}
		return nil
	case enums.AccountEventVolume:
		var p volumePayload
		if err := decode(data, &p); err != nil {
			return err
		}
		return c.engine.ReportVolume(ctx, engine.VolumeRequest{AccountID: p.AccountID, Volume: p.Volume})
	case enums.AccountEventSubscription:
		var p subscriptionPayload
		if err := decode(data, &p); err != nil {
			return err
		}
		_, err := c.engine.ActivateSubscription(ctx, engine.SubscriptionRequest{AccountID: p.AccountID, FromBalance: p.FromBalance})
		return err
	case enums.AccountEventReserve:
		var p reservePayload
		if err := decode(data, &p); err != nil {
			return err
		}
		_, err := c.engine.ReportReserveAssets(ctx, engine.ReserveRequest{Amount: p.Amount})
		return err
	}
	return pkgerrors.Newf(pkgerrors.CodeValidation, "unhandled event type %q", eventType)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "event payload missing")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event payload")
	}
	return nil
}
