// Package pubsub wraps the Pub/Sub v2 client used for inbound account events
// and outbound settlement batches.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/unilevel-ledger/pkg/config"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	kindSubscription = "subscriptions"
	kindTopic        = "topics"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// Resources names the subscription and topic the worker needs. Each may be a
// short ID or a full resource name.
type Resources struct {
	AccountEventsSubscription string
	SettlementTopic           string
}

// ResourcesFrom picks the Pub/Sub names out of the loaded config.
func ResourcesFrom(cfg *config.Config) Resources {
	return Resources{
		AccountEventsSubscription: cfg.PubSub.AccountEventsSubscription,
		SettlementTopic:           cfg.Settlement.Topic,
	}
}

func (r Resources) validate() error {
	if strings.TrimSpace(r.AccountEventsSubscription) == "" {
		return errors.New("account events subscription is required")
	}
	if strings.TrimSpace(r.SettlementTopic) == "" {
		return errors.New("settlement topic is required")
	}
	return nil
}

type Client struct {
	client    *pubsub.Client
	projectID string
	res       Resources
}

// NewClient connects and fails fast when the subscription or topic is
// missing, so a misconfigured worker never starts consuming.
func NewClient(ctx context.Context, gcp config.GCPConfig, res Resources, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	if err := res.validate(); err != nil {
		return nil, err
	}

	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: psClient, projectID: gcp.ProjectID, res: res}

	if err := c.checkResources(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"subscription": c.resourceName(kindSubscription, res.AccountEventsSubscription),
			"topic":        c.resourceName(kindTopic, res.SettlementTopic),
		}), "pubsub client initialized")
	}
	return c, nil
}

func (c *Client) checkResources(ctx context.Context) error {
	sub := c.resourceName(kindSubscription, c.res.AccountEventsSubscription)
	if _, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: sub}); err != nil {
		return lookupError("subscription", sub, err)
	}
	topic := c.resourceName(kindTopic, c.res.SettlementTopic)
	if _, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topic}); err != nil {
		return lookupError("topic", topic, err)
	}
	return nil
}

func lookupError(kind, name string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s %q does not exist", kind, name)
	}
	return fmt.Errorf("checking %s %q: %w", kind, name, err)
}

// AccountEventsSubscription returns the subscriber for inbound account
// events.
func (c *Client) AccountEventsSubscription() *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Subscriber(c.resourceName(kindSubscription, c.res.AccountEventsSubscription))
}

// SettlementPublisher returns the publisher settlement batches are committed
// through.
func (c *Client) SettlementPublisher() *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Publisher(c.resourceName(kindTopic, c.res.SettlementTopic))
}

// Ping re-checks that both resources are still reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.checkResources(ctx)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a short ID into projects/<p>/<kind>/<id>. Full names
// pass through untouched.
func (c *Client) resourceName(kind, name string) string {
	n := strings.TrimSpace(name)
	if c == nil || n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	p := strings.TrimSpace(c.projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", p, kind, n)
}
