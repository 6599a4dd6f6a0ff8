package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/pulsecal/services/telemetry/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
)

// ErrMalformedMessage marks a message whose body cannot be processed.
// Handlers return it (wrapped or bare) to dead-letter the message instead
// of retrying it.
var ErrMalformedMessage = errors.New("malformed message")

// MessageHandler processes one received message body
type MessageHandler func(ctx context.Context, body []byte) error

// ServiceBusClient is an interface for Azure Service Bus operations
type ServiceBusClient interface {
	SendMessage(ctx context.Context, queue string, body interface{}) error
	ReceiveMessages(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client     *azservicebus.Client
	mu         sync.Mutex
	senders    map[string]*azservicebus.Sender
	clientType string
}

// NewServiceBusClient creates a new Azure Service Bus client. When no
// connection string is configured an in-memory client is returned so the
// service can run locally without a broker.
func NewServiceBusClient(cfg config.ServiceBusConfig, clientType string, log *logrus.Logger) (ServiceBusClient, error) {
	if cfg.ConnectionString == "" {
		return newInMemoryClient(clientType, log), nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	return &serviceBusClient{
		client:     client,
		senders:    make(map[string]*azservicebus.Sender),
		clientType: clientType,
	}, nil
}

func (s *serviceBusClient) sender(queue string) (*azservicebus.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender, ok := s.senders[queue]; ok {
		return sender, nil
	}
	sender, err := s.client.NewSender(queue, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender for %q: %w", queue, err)
	}
	s.senders[queue] = sender
	return sender, nil
}

// SendMessage sends a message to the named Service Bus queue
func (s *serviceBusClient) SendMessage(ctx context.Context, queue string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	sender, err := s.sender(queue)
	if err != nil {
		return err
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": s.clientType,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	return sender.SendMessage(ctx, msg, nil)
}

// ReceiveMessages consumes messages from the named queue until the context
// is cancelled. Delivery is at-least-once: a handler error abandons the
// message for redelivery, except malformed messages which are dead-lettered.
func (s *serviceBusClient) ReceiveMessages(ctx context.Context, queue string, handler MessageHandler) error {
	receiver, err := s.client.NewReceiverForQueue(queue, nil)
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver for %q: %w", queue, err)
	}
	defer receiver.Close(context.Background())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to receive messages: %w", err)
		}

		for _, message := range messages {
			err := handler(ctx, message.Body)
			switch {
			case err == nil:
				if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
					return fmt.Errorf("failed to complete message %s: %w", message.MessageID, err)
				}
			case errors.Is(err, ErrMalformedMessage):
				// Malformed bodies will never succeed; dead-letter them
				if err := receiver.DeadLetterMessage(ctx, message, nil); err != nil {
					return fmt.Errorf("failed to dead-letter message %s: %w", message.MessageID, err)
				}
			default:
				// Abandon returns the message to the queue for redelivery
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					return fmt.Errorf("failed to abandon message %s: %w", message.MessageID, err)
				}
			}
		}
	}
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sender := range s.senders {
		if err := sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

// inMemoryClient is a channel-backed ServiceBusClient for local development
// and tests. It preserves at-least-once semantics: a handler error requeues
// the message.
type inMemoryClient struct {
	clientType string
	log        *logrus.Logger
	mu         sync.Mutex
	queues     map[string]chan []byte
}

func newInMemoryClient(clientType string, log *logrus.Logger) *inMemoryClient {
	return &inMemoryClient{
		clientType: clientType,
		log:        log,
		queues:     make(map[string]chan []byte),
	}
}

func (m *inMemoryClient) queue(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	q := make(chan []byte, 10000)
	m.queues[name] = q
	return q
}

func (m *inMemoryClient) SendMessage(ctx context.Context, queue string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	select {
	case m.queue(queue) <- data:
		return nil
	default:
		return fmt.Errorf("in-memory queue %q is full", queue)
	}
}

func (m *inMemoryClient) ReceiveMessages(ctx context.Context, queue string, handler MessageHandler) error {
	q := m.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body := <-q:
			err := handler(ctx, body)
			if err == nil || errors.Is(err, ErrMalformedMessage) {
				if errors.Is(err, ErrMalformedMessage) {
					m.log.WithError(err).Warn("Dropping malformed message from in-memory queue")
				}
				continue
			}
			// Requeue for redelivery
			select {
			case q <- body:
			default:
				m.log.Error("In-memory queue full, message lost on requeue")
			}
		}
	}
}

func (m *inMemoryClient) Close() error {
	return nil
}
