// Package notify publishes user notifications to a durable RabbitMQ queue.
// Delivery fan-out (push, email, SMS) is the consumer's concern; from this
// side a notification is fire-and-forget.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Type string

const (
	TypeAvailabilityAlert   Type = "availability_alert"
	TypeBookingConfirmation Type = "booking_confirmation"
	TypeAlertExpired        Type = "alert_expired"
	TypeSystem              Type = "system"
)

type Notification struct {
	UserID int64          `json:"user_id"`
	Type   Type           `json:"type"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	SentAt time.Time      `json:"sent_at"`
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

const queueName = "notifications.outbound"

// Publisher holds one broker connection for the life of the process and
// redials lazily if the channel drops.
type Publisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(url string) (*Publisher, error) {
	p := &Publisher{url: url}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	// Durable so notifications survive broker restarts.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) Send(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.connect(); err != nil {
			return err
		}
	}

	return p.ch.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue name
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    n.SentAt,
			Body:         body,
		},
	)
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// LogSender writes notifications to the process log. It stands in for the
// broker in local development when no AMQP URL is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n Notification) error {
	log.Printf("[notify] user=%d type=%s title=%q body=%q", n.UserID, n.Type, n.Title, n.Body)
	return nil
}
