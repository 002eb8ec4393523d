package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a postgres testcontainer.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// RedisContainer wraps a Redis testcontainer used by the live update bus.
type RedisContainer struct {
	testcontainers.Container
	URL string
}

// MailpitContainer wraps a Mailpit testcontainer for email testing.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

// NewPostgresContainer starts PostgreSQL 16 with a throwaway database.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionString:  connStr,
	}, nil
}

// NewMailpitContainer starts Mailpit, a fake SMTP server whose REST API
// exposes the messages it received.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	c, host, ports, err := startContainer(ctx, "mailpit", testcontainers.ContainerRequest{
		Image:        "ghcr.io/axllent/mailpit:latest",
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("1025/tcp"),
			wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
		).WithDeadline(30 * time.Second),
	})
	if err != nil {
		return nil, err
	}

	return &MailpitContainer{
		Container: c,
		SMTPHost:  host,
		SMTPPort:  ports["1025/tcp"],
		APIHost:   host,
		APIPort:   ports["8025/tcp"],
	}, nil
}

// NewRedisContainer starts the Redis instance backing the live update bus.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	c, host, ports, err := startContainer(ctx, "redis", testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		).WithDeadline(30 * time.Second),
	})
	if err != nil {
		return nil, err
	}

	return &RedisContainer{
		Container: c,
		URL:       fmt.Sprintf("redis://%s:%d/0", host, ports["6379/tcp"]),
	}, nil
}

// startContainer runs req and resolves the host plus the mapped port of
// every exposed port. The container is terminated if resolution fails.
func startContainer(ctx context.Context, name string, req testcontainers.ContainerRequest) (testcontainers.Container, string, map[string]int, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("start %s container: %w", name, err)
	}

	fail := func(err error) (testcontainers.Container, string, map[string]int, error) {
		_ = c.Terminate(context.Background())
		return nil, "", nil, err
	}

	host, err := c.Host(ctx)
	if err != nil {
		return fail(fmt.Errorf("get %s host: %w", name, err))
	}

	ports := make(map[string]int, len(req.ExposedPorts))
	for _, p := range req.ExposedPorts {
		mapped, err := c.MappedPort(ctx, nat.Port(p))
		if err != nil {
			return fail(fmt.Errorf("get %s port %s: %w", name, p, err))
		}
		ports[p] = mapped.Int()
	}

	return c, host, ports, nil
}
