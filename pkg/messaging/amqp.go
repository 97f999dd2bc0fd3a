package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"shopcall-server/pkg/metrics"
)

// Event types published to the queue.
const (
	EventCallCompleted = "call.completed"
	EventCallFailed    = "call.failed"
	EventCallScored    = "call.scored"
)

// Event is the envelope published for every call lifecycle event.
type Event struct {
	Type      string      `json:"type"`
	CallID    string      `json:"callId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Publisher fans call lifecycle and scoring events out to an AMQP queue.
// It is optional: with no URL configured every publish is a no-op.
type Publisher struct {
	logger    *logrus.Logger
	url       string
	queueName string

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	stopChan  chan struct{}
}

// NewPublisher creates an event publisher. Connect must be called before
// publishing; an empty URL leaves the publisher permanently disabled.
func NewPublisher(logger *logrus.Logger, url, queueName string) *Publisher {
	return &Publisher{
		logger:    logger,
		url:       url,
		queueName: queueName,
		stopChan:  make(chan struct{}),
	}
}

// Enabled reports whether the publisher has a broker configured.
func (p *Publisher) Enabled() bool {
	return p.url != "" && p.queueName != ""
}

// Connect establishes the broker connection and declares the queue.
func (p *Publisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if !p.Enabled() {
		p.logger.Warn("AMQP_URL or AMQP_QUEUE_NAME not set, event publishing disabled")
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)
	go func() {
		conn, err := amqp.Dial(p.url)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		return fmt.Errorf("connection to AMQP server timed out after 5 seconds")
	}
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		p.queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})

	p.logger.WithFields(logrus.Fields{
		"url":   p.url,
		"queue": p.queueName,
	}).Info("Connected to AMQP server")

	go p.monitorConnection()
	return nil
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}

	close(p.stopChan)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	p.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status.
func (p *Publisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// Publish sends one event to the queue. A disconnected or disabled
// publisher drops the event; producing callers never block on the broker.
func (p *Publisher) Publish(eventType, callID string, payload interface{}) error {
	if !p.Enabled() {
		return nil
	}
	if !p.IsConnected() {
		return fmt.Errorf("not connected to AMQP server")
	}

	event := Event{
		Type:      eventType,
		CallID:    callID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	if !p.connected || p.channel == nil {
		return fmt.Errorf("lost AMQP connection before publishing")
	}

	if err := p.channel.Publish(
		"",          // default exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	); err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.PublishFailures.Inc()
		}
		return fmt.Errorf("failed to publish event to AMQP: %w", err)
	}

	if metrics.IsMetricsEnabled() {
		metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
	p.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"type":    eventType,
	}).Debug("Published event to AMQP")
	return nil
}

// monitorConnection watches for broker-side closes and reconnects with
// backoff until Disconnect is called.
func (p *Publisher) monitorConnection() {
	p.connMutex.RLock()
	closeChan := p.conn.NotifyClose(make(chan *amqp.Error, 1))
	stopChan := p.stopChan
	p.connMutex.RUnlock()

	select {
	case <-stopChan:
		return
	case amqpErr := <-closeChan:
		if amqpErr != nil {
			p.logger.WithField("reason", amqpErr.Reason).Warn("AMQP connection closed, reconnecting")
		}
	}

	p.connMutex.Lock()
	p.connected = false
	p.connMutex.Unlock()

	backoff := time.Second
	for {
		select {
		case <-stopChan:
			return
		case <-time.After(backoff):
		}

		if err := p.Connect(); err == nil {
			return
		}

		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
