/**
 * @description
 * This file contains the activity event consumer. Unlike the producer, which
 * ships opaque envelopes, the consumer owns the inbound wire format: it
 * decodes every delivery into a domain.ActivityEvent before any handler runs,
 * so the app layer never touches raw bytes. Payloads that cannot be decoded
 * are dropped with a log line; requeueing them would poison the queue.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: AMQP client.
 * - internal/domain: Inbound event shape.
 */

package rabbitmq

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

// activityPrefetch bounds unacked deliveries per instance so a burst of
// activity cannot swamp one consumer while others idle.
const activityPrefetch = 32

// ActivityHandler processes one decoded activity event. Returning true acks
// the delivery; false requeues it for another attempt.
type ActivityHandler func(domain.ActivityEvent) bool

// Consumer wraps an AMQP connection for consuming activity events.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

// NewConsumer dials RabbitMQ and opens a channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeActivity declares a durable queue bound to the exchange for each
// routing key and feeds decoded events to the matching handler.
func (c *Consumer) ConsumeActivity(exchange, queueName string, bindings map[string]ActivityHandler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	if err := c.ch.Qos(activityPrefetch, 0, false); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]ActivityHandler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if dispatchActivity(handlers, d.RoutingKey, d.Body) {
				d.Ack(false)
			} else {
				log.Printf("level=warn component=activity_consumer msg=\"handler failed; re-queuing\" routing_key=%s", d.RoutingKey)
				d.Nack(false, true)
			}
		}
	}()

	return nil
}

// dispatchActivity decodes one delivery and routes it. The returned bool is
// the ack decision: true acks (including drops of undeliverable payloads),
// false requeues.
func dispatchActivity(handlers map[string]ActivityHandler, routingKey string, body []byte) bool {
	handler, ok := handlers[routingKey]
	if !ok {
		log.Printf("level=warn component=activity_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", routingKey)
		return true
	}

	var evt domain.ActivityEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		log.Printf("level=error component=activity_consumer msg=\"malformed activity payload; dropping\" routing_key=%s err=%v", routingKey, err)
		return true
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	return handler(evt)
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
