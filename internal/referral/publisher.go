package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue names used by Publisher.
const (
	PurchaseQueue = "referral.purchase"
	ClaimQueue    = "referral.reward_claim"
)

// Channel is the subset of *amqp.Channel used by Publisher.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher forwards notifications to RabbitMQ as persistent JSON messages
// on durable queues. The referral service consumes them asynchronously, so
// the commission reported back is the nominal principal*rate figure.
type Publisher struct {
	channel Channel
}

// Dial connects to RabbitMQ and opens a publishing channel.
func Dial(url string) (*Publisher, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := NewPublisher(ch)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return p, conn, nil
}

// NewPublisher declares both queues on ch.
func NewPublisher(ch Channel) (*Publisher, error) {
	for _, q := range []string{PurchaseQueue, ClaimQueue} {
		if _, err := ch.QueueDeclare(
			q,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		); err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return &Publisher{channel: ch}, nil
}

func (p *Publisher) OnPurchase(ctx context.Context, msg Purchase) (*uint256.Int, error) {
	if err := p.publish(ctx, PurchaseQueue, &msg); err != nil {
		return nil, err
	}
	return Commission(&msg.Principal, msg.RateBps), nil
}

func (p *Publisher) OnRewardClaim(ctx context.Context, msg RewardClaim) error {
	return p.publish(ctx, ClaimQueue, &msg)
}

func (p *Publisher) publish(ctx context.Context, queue string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = p.channel.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	slog.Debug("referral message published", "queue", queue, "bytes", len(body))
	return nil
}

// Close closes the channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}
