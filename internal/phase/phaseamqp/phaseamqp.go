// Package phaseamqp publishes phase records for the stats reporter.
package phaseamqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/mortar/internal/amqputil"
	"github.com/k11v/mortar/internal/phase"
)

const QueueName = "build.phase.finished"

var _ phase.Reporter = (*Publisher)(nil)

type Publisher struct {
	client *amqputil.Client
}

func NewPublisher(connectionString string) *Publisher {
	return &Publisher{
		client: amqputil.NewClient(connectionString, &amqputil.QueueDeclareParams{
			Name:    QueueName,
			Durable: true,
		}),
	}
}

// Report publishes r as a persistent JSON message.
func (p *Publisher) Report(ctx context.Context, r *phase.Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("phaseamqp.Publisher: %w", err)
	}

	err = p.client.Publish(ctx, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Type:         string(r.Outcome),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("phaseamqp.Publisher: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
