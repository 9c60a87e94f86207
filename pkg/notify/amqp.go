// Package notify delivers member/admin notifications and invoice jobs.
// In production both go to a RabbitMQ topic exchange consumed by the mail
// and accounting workers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/membermatters/billing/pkg/billing"
)

// Routing keys published by Publisher.
const (
	RoutingMemberEmail = "email.member"
	RoutingAdminEmail  = "email.admin"
	RoutingInvoice     = "invoice.membership.create"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "membership.events"

// EmailMessage is the body of an email.* message.
type EmailMessage struct {
	MemberID  string `json:"memberId,omitempty"`
	Email     string `json:"email,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	Template  string `json:"template"`
	Subject   string `json:"subject"`
	Title     string `json:"title"`
	Preheader string `json:"preheader,omitempty"`
	Message   string `json:"message"`
}

// InvoiceMessage is the body of an invoice.membership.create message.
// Amounts are in the currency's minor unit.
type InvoiceMessage struct {
	MemberID string `json:"memberId"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Amount   int64  `json:"amount"`
	Fee      int64  `json:"fee"`
}

// Channel is the subset of *amqp091.Channel used by Publisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher implements billing.Notifier and billing.InvoiceGenerator over AMQP.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  Channel
	exchange string
	logger   billing.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Dial connects to RabbitMQ and declares the exchange.
func Dial(amqpURL, exchange string, logger billing.Logger) (*Publisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := NewPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close() //nolint:errcheck // already failing
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares a durable topic exchange on ch and returns a publisher for it.
func NewPublisher(ch Channel, exchange string, logger billing.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{channel: ch, exchange: exchange, logger: logger}, nil
}

// NotifyMember implements billing.Notifier
func (p *Publisher) NotifyMember(ctx context.Context, m *billing.Member, n billing.Notification) error {
	return p.publish(ctx, RoutingMemberEmail, EmailMessage{
		MemberID:  m.ID,
		Email:     m.Email,
		FullName:  m.FullName,
		Template:  n.Template,
		Subject:   n.Subject,
		Title:     n.Title,
		Preheader: n.Preheader,
		Message:   n.Message,
	})
}

// NotifyAdmins implements billing.Notifier
func (p *Publisher) NotifyAdmins(ctx context.Context, n billing.Notification) error {
	return p.publish(ctx, RoutingAdminEmail, EmailMessage{
		Template:  n.Template,
		Subject:   n.Subject,
		Title:     n.Title,
		Preheader: n.Preheader,
		Message:   n.Message,
	})
}

// CreateMembershipInvoice implements billing.InvoiceGenerator
func (p *Publisher) CreateMembershipInvoice(ctx context.Context, m *billing.Member, amount, fee int64) error {
	return p.publish(ctx, RoutingInvoice, InvoiceMessage{
		MemberID: m.ID,
		Email:    m.Email,
		FullName: m.FullName,
		Amount:   amount,
		Fee:      fee,
	})
}

func (p *Publisher) publish(ctx context.Context, key string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", key, err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	p.mu.Lock()
	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	p.logger.Debug("published message",
		billing.F("exchange", p.exchange),
		billing.F("routing_key", key),
		billing.F("message_id", msg.MessageId),
	)
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
