// Package events publishes auth domain events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys for published events.
const (
	RoutingKeyPrincipalRegistered = "principal.registered"
	RoutingKeyPrincipalSignedIn   = "principal.signed_in"
	RoutingKeyRoleChanged         = "profile.role_changed"
)

var (
	errEmptyBrokerURL = errors.New("events.empty_broker_url")
	errEmptyExchange  = errors.New("events.empty_exchange")
)

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

// PrincipalRegistered is emitted after a new principal signs up.
type PrincipalRegistered struct {
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email"`
	UserType    string `json:"user_type,omitempty"`
}

// PrincipalSignedIn is emitted after every successful sign-in grant.
type PrincipalSignedIn struct {
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email"`
	Method      string `json:"method"`
}

// RoleChanged is emitted when an administrator changes a profile role.
type RoleChanged struct {
	PrincipalID  string `json:"principal_id"`
	PreviousRole string `json:"previous_role"`
	Role         string `json:"role"`
	ReviewerID   string `json:"reviewer_id,omitempty"`
}

type noopPublisher struct{}

// NewNoopPublisher returns a Publisher that drops every event.
func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(ctx context.Context, routingKey string, payload any) error { return nil }
func (noopPublisher) Close() error                                                     { return nil }

// AMQPPublisher publishes JSON events to a topic exchange.
type AMQPPublisher struct {
	mutex    sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials the broker and declares a durable topic exchange.
func NewAMQPPublisher(brokerURL string, exchange string) (*AMQPPublisher, error) {
	if strings.TrimSpace(brokerURL) == "" {
		return nil, fmt.Errorf("events.dial: %w", errEmptyBrokerURL)
	}
	if strings.TrimSpace(exchange) == "" {
		return nil, fmt.Errorf("events.dial: %w", errEmptyExchange)
	}
	conn, err := amqp.Dial(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("events.dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events.channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events.exchange_declare: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// Publish serialises payload and publishes it under routingKey.
func (publisher *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events.publish.encode: %w", err)
	}
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publishErr := publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
		})
	if publishErr != nil {
		return fmt.Errorf("events.publish.%s: %w", routingKey, publishErr)
	}
	return nil
}

// Close shuts down the channel and the connection.
func (publisher *AMQPPublisher) Close() error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	channelErr := publisher.channel.Close()
	connErr := publisher.conn.Close()
	return errors.Join(channelErr, connErr)
}
