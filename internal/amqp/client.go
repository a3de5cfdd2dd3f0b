// Package amqp publishes and consumes ledger events over RabbitMQ.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"kassa/internal/log"
)

// Circuit breaker states.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Client owns one connection and channel. Publishing stops trying for a
// while after repeated failures; consuming reconnects with backoff.
type Client struct {
	url          string
	exchangeName string
	queueName    string
	logger       *log.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	failureMu    sync.Mutex
	lastFailure  time.Time
}

// NewClient dials url and declares a durable direct exchange with one bound queue.
func NewClient(url, exchangeName, queueName string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Discard()
	}
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		logger:       logger.WithComponent(log.ComponentAMQP),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectLocked() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, c.exchangeName, c.queueName); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}
	c.conn, c.channel = conn, ch
	return nil
}

func declare(ch *amqp091.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	// Routing key equals the queue name on the direct exchange.
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// activeChannel returns a live channel, reconnecting if the old one closed.
func (c *Client) activeChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	c.logger.Info("Reconnected to AMQP broker", "exchange", c.exchangeName, "queue", c.queueName)
	return c.channel, nil
}

func (c *Client) PublishTransactionRecorded(ctx context.Context, msg TransactionRecorded) error {
	return c.publish(ctx, TypeTransactionRecorded, msg)
}

func (c *Client) PublishAccountShared(ctx context.Context, msg AccountShared) error {
	return c.publish(ctx, TypeAccountShared, msg)
}

func (c *Client) publish(ctx context.Context, msgType string, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish %s: %w", msgType, ErrCircuitOpen)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	ch, err := c.activeChannel()
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish %s: %w", msgType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	id := uuid.NewString()
	err = ch.PublishWithContext(ctx, c.exchangeName, c.queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    id,
		Type:         msgType,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.mu.Lock()
			c.closeLocked()
			c.mu.Unlock()
		}
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	c.recordSuccess()

	c.logger.DebugContext(ctx, "Published ledger event",
		log.FieldMessageType, msgType,
		"message_id", id,
		"exchange", c.exchangeName)
	return nil
}

// Handlers receive decoded events. A nil handler acks and drops its type.
type Handlers struct {
	TransactionRecorded func(context.Context, TransactionRecorded) error
	AccountShared       func(context.Context, AccountShared) error
}

// Consume delivers messages to h until ctx is cancelled, reconnecting with
// exponential backoff when the broker goes away.
func (c *Client) Consume(ctx context.Context, h Handlers) error {
	attempt := 0
	for {
		started, err := c.consumeOnce(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt = retryAttempt(attempt, started)
		delay := exponentialBackoff(attempt)
		c.logger.Warn("Consumer stopped, retrying", "error", err, "attempt", attempt+1, "delay", delay)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryAttempt restarts the backoff once a consuming session got going.
func retryAttempt(attempt int, started bool) int {
	if started {
		return 0
	}
	return attempt
}

// consumeOnce runs one consuming session. started reports whether the broker
// accepted the consumer before the session ended.
func (c *Client) consumeOnce(ctx context.Context, h Handlers) (started bool, err error) {
	ch, err := c.activeChannel()
	if err != nil {
		return false, err
	}
	deliveries, err := ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("start consuming: %w", err)
	}
	c.logger.InfoContext(ctx, "Consuming ledger events", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			c.settle(ctx, d, dispatch(ctx, d.Type, d.Body, h))
		}
	}
}

type verdict int

const (
	ack verdict = iota
	requeue
	reject
)

func (c *Client) settle(ctx context.Context, d amqp091.Delivery, v verdict) {
	var err error
	switch v {
	case ack:
		err = d.Ack(false)
	case requeue:
		err = d.Nack(false, true)
	case reject:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to settle delivery", "error", err, "message_id", d.MessageId)
	}
}

// dispatch decodes and handles one message. Malformed or unknown messages are
// rejected for good; handler failures are requeued.
func dispatch(ctx context.Context, msgType string, body []byte, h Handlers) verdict {
	logger := log.FromContext(ctx)

	var err error
	switch msgType {
	case TypeTransactionRecorded:
		msg, derr := decode[TransactionRecorded](body)
		if derr != nil {
			logger.ErrorContext(ctx, "Rejecting malformed message", log.FieldMessageType, msgType, "error", derr)
			return reject
		}
		if h.TransactionRecorded != nil {
			err = h.TransactionRecorded(ctx, msg)
		}
	case TypeAccountShared:
		msg, derr := decode[AccountShared](body)
		if derr != nil {
			logger.ErrorContext(ctx, "Rejecting malformed message", log.FieldMessageType, msgType, "error", derr)
			return reject
		}
		if h.AccountShared != nil {
			err = h.AccountShared(ctx, msg)
		}
	default:
		logger.WarnContext(ctx, "Rejecting message of unknown type", log.FieldMessageType, msgType)
		return reject
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to handle message", log.FieldMessageType, msgType, "error", err)
		return requeue
	}
	return ack
}

func (c *Client) isCircuitOpen() bool {
	switch atomic.LoadInt32(&c.state) {
	case StateOpen:
		c.failureMu.Lock()
		elapsed := time.Since(c.lastFailure)
		c.failureMu.Unlock()
		if elapsed > openTimeout {
			atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
			return false
		}
		return true
	default:
		return false
	}
}

func (c *Client) recordFailure() {
	c.failureMu.Lock()
	c.lastFailure = time.Now()
	c.failureMu.Unlock()

	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			c.logger.Warn("AMQP circuit breaker opened", "failures", atomic.LoadInt64(&c.failureCount))
		}
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

// exponentialBackoff is 1s doubled per attempt, capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	return min(time.Second<<attempt, maxBackoff)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "channel/connection is not open"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
