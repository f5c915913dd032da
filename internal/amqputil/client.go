package amqputil

import (
	"context"
	"errors"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

type QueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

// Client publishes to a single queue. It dials on first use and dials
// again once the connection is closed by the broker.
type Client struct {
	connectionString   string
	queueDeclareParams *QueueDeclareParams

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewClient(connectionString string, queueDeclareParams *QueueDeclareParams) *Client {
	return &Client{
		connectionString:   connectionString,
		queueDeclareParams: queueDeclareParams,
	}
}

// Publish sends msg to the queue through the default exchange.
func (cli *Client) Publish(ctx context.Context, msg amqp091.Publishing) error {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	ch, err := cli.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", cli.queueDeclareParams.Name, false, false, msg)
	if errors.Is(err, amqp091.ErrClosed) {
		cli.closeLocked()
	}
	return err
}

func (cli *Client) channel() (*amqp091.Channel, error) {
	if cli.ch != nil && !cli.ch.IsClosed() {
		return cli.ch, nil
	}
	cli.closeLocked()

	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	_, err = ch.QueueDeclare(
		cli.queueDeclareParams.Name,
		cli.queueDeclareParams.Durable,
		cli.queueDeclareParams.AutoDelete,
		cli.queueDeclareParams.Exclusive,
		cli.queueDeclareParams.NoWait,
		cli.queueDeclareParams.Args,
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	cli.conn, cli.ch = conn, ch
	return ch, nil
}

func (cli *Client) closeLocked() {
	if cli.conn != nil {
		_ = cli.conn.Close()
	}
	cli.conn, cli.ch = nil, nil
}

func (cli *Client) Close() error {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	if cli.conn == nil {
		return nil
	}
	err := cli.conn.Close()
	cli.conn, cli.ch = nil, nil
	return err
}
