package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/config"
)

// ServiceBusConsumer receives telemetry readings from an Azure Service Bus
// queue and feeds them to the ingestor through a worker pool
type ServiceBusConsumer struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	ingestor  *Ingestor
	queueName string
	workers   int
	batchSize int
	log       *logrus.Logger

	queue  chan *azservicebus.ReceivedMessage
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServiceBusConsumer creates a consumer for the telemetry queue
func NewServiceBusConsumer(cfg config.ServiceBusConfig, ingestor *Ingestor, log *logrus.Logger) (*ServiceBusConsumer, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, err
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		return nil, err
	}

	return &ServiceBusConsumer{
		client:    client,
		receiver:  receiver,
		ingestor:  ingestor,
		queueName: cfg.QueueName,
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		log:       log,
		queue:     make(chan *azservicebus.ReceivedMessage, 1000),
	}, nil
}

// Start runs the receive loop and worker pool until the context is
// cancelled
func (c *ServiceBusConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.log.WithFields(logrus.Fields{
		"queue":   c.queueName,
		"workers": c.workers,
	}).Info("Service Bus consumer started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		receiveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		messages, err := c.receiver.ReceiveMessages(receiveCtx, c.batchSize, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isDisconnectionError(err) {
				c.log.WithError(err).Warn("Service Bus disconnected, backing off")
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			c.log.WithError(err).Error("Failed to receive messages")
			continue
		}

		for _, msg := range messages {
			select {
			case c.queue <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// worker settles messages after ingesting them. Invalid and unknown-entity
// readings are completed rather than abandoned: redelivery cannot fix
// them, it only clogs the queue.
func (c *ServiceBusConsumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.log.Debugf("Service Bus worker %d shutting down", id)
			return
		case msg := <-c.queue:
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *ServiceBusConsumer) handleMessage(ctx context.Context, msg *azservicebus.ReceivedMessage) {
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var payload ReadingPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		c.log.WithError(err).Warn("Dropping undecodable Service Bus message")
		if err := c.receiver.CompleteMessage(settleCtx, msg, nil); err != nil {
			c.log.WithError(err).Error("Failed to complete message")
		}
		return
	}

	_, err := c.ingestor.Ingest(ctx, payload)
	switch {
	case err == nil,
		errors.Is(err, ErrInvalidReading),
		errors.Is(err, ErrUnknownEntity):
		if err := c.receiver.CompleteMessage(settleCtx, msg, nil); err != nil {
			c.log.WithError(err).Error("Failed to complete message")
		}
	default:
		// Transient failure; let the broker redeliver
		if err := c.receiver.AbandonMessage(settleCtx, msg, nil); err != nil {
			c.log.WithError(err).Error("Failed to abandon message")
		}
	}
}

// Stop drains the workers and closes the receiver
func (c *ServiceBusConsumer) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.receiver.Close(ctx); err != nil {
		c.log.WithError(err).Warn("Failed to close Service Bus receiver")
	}
	c.log.Info("Service Bus consumer stopped")
}

// isDisconnectionError checks if an error is a broker disconnection
func isDisconnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "amqp: link detached") ||
		strings.Contains(msg, "awaiting send: context deadline exceeded") ||
		strings.Contains(msg, "connection reset")
}
