// Package testutil provides shared container infrastructure for backend
// integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    os.Exit(m.Run())
//	}
//
// Integration tests are gated on RECITAL_INTEGRATION so plain `go test ./...`
// stays hermetic; see SkipWithoutIntegration.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SkipWithoutIntegration skips the test unless RECITAL_INTEGRATION is set.
func SkipWithoutIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RECITAL_INTEGRATION") == "" {
		t.Skip("set RECITAL_INTEGRATION=1 to run container-backed tests")
	}
}

// TestContainer wraps a testcontainers container with a URI for connecting.
type TestContainer struct {
	Container testcontainers.Container
	URI       string
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// MustStartPostgres starts a Postgres container. Calls os.Exit(1) on failure
// (suitable for TestMain). URI is a pgx-compatible DSN.
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "recital",
			"POSTGRES_PASSWORD": "recital",
			"POSTGRES_DB":       "recital",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, host, port := mustStart(ctx, req, "5432")
	return &TestContainer{
		Container: container,
		URI:       fmt.Sprintf("postgres://recital:recital@%s:%s/recital?sslmode=disable", host, port),
	}
}

// MustStartMongo starts a MongoDB container. URI is a mongodb:// connection
// string.
func MustStartMongo() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor: wait.ForLog("Waiting for connections").
			WithStartupTimeout(60 * time.Second),
	}

	container, host, port := mustStart(ctx, req, "27017")
	return &TestContainer{
		Container: container,
		URI:       fmt.Sprintf("mongodb://%s:%s", host, port),
	}
}

// MustStartElasticsearch starts a single-node Elasticsearch container with
// security disabled. URI is an http:// address.
func MustStartElasticsearch() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "docker.elastic.co/elasticsearch/elasticsearch:8.16.0",
		ExposedPorts: []string{"9200/tcp"},
		Env: map[string]string{
			"discovery.type":         "single-node",
			"xpack.security.enabled": "false",
			"ES_JAVA_OPTS":           "-Xms512m -Xmx512m",
		},
		WaitingFor: wait.ForHTTP("/_cluster/health").
			WithPort("9200/tcp").
			WithStartupTimeout(120 * time.Second),
	}

	container, host, port := mustStart(ctx, req, "9200")
	return &TestContainer{
		Container: container,
		URI:       fmt.Sprintf("http://%s:%s", host, port),
	}
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) (testcontainers.Container, string, string) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	return container, host, mapped.Port()
}
