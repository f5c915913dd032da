package phaseamqp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/mortar/internal/phase"
)

func TestPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}

	t.Run("publishes records", func(t *testing.T) {
		ctx := context.Background()
		connectionString := NewTestRabbitMQ(t, ctx)
		publisher := NewPublisher(connectionString)
		defer publisher.Close()

		records := []*phase.Record{
			{BuildID: "build-1", Tag: phase.TagRestoreCache, StartedAt: time.Date(2024, 10, 19, 12, 0, 0, 0, time.UTC), DurationMs: 1500, Outcome: phase.OutcomeSuccess},
			{BuildID: "build-1", Tag: phase.TagCleanUp, StartedAt: time.Date(2024, 10, 19, 12, 5, 0, 0, time.UTC), DurationMs: 20, Outcome: phase.OutcomeWarning},
		}
		for _, r := range records {
			if err := publisher.Report(ctx, r); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		var got []*phase.Record
		for range records {
			got = append(got, getRecord(t, connectionString))
		}
		if want := records; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}

func getRecord(tb testing.TB, connectionString string) *phase.Record {
	tb.Helper()

	conn, err := amqp091.Dial(connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		m, ok, err := ch.Get(QueueName, true)
		if err != nil {
			tb.Fatalf("didn't want %q", err)
		}
		if !ok {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var r phase.Record
		if err = json.Unmarshal(m.Body, &r); err != nil {
			tb.Fatalf("didn't want %q", err)
		}
		return &r
	}
	tb.Fatalf("got no message in %s", QueueName)
	return nil
}

func NewTestRabbitMQ(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	username := "guest"
	password := "guest"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "rabbitmq:4.0-alpine",
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": username,
				"RABBITMQ_DEFAULT_PASS": password,
			},
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog(".*Server startup complete.*").AsRegexp().WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5672/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return fmt.Sprintf("amqp://%s:%s@%s", username, password, endpoint)
}
