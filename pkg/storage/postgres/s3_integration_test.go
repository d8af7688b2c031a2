//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/hookrelay/pkg/storage"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// setupMinIO starts a MinIO container and returns an S3Client pointed at it
func setupMinIO(t *testing.T) *S3Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start MinIO container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.S3Endpoint = "http://" + host + ":" + port.Port()
	cfg.S3AccessKey = "minioadmin"
	cfg.S3SecretKey = "minioadmin"
	cfg.S3Bucket = "hookrelay-dead-letters"
	cfg.S3UsePathStyle = true

	client, err := NewS3Client(ctx, cfg)
	require.NoError(t, err, "Failed to create S3 client")
	return client
}

func TestS3Client_ArchiveDeadLetter_Integration(t *testing.T) {
	client := setupMinIO(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, client.HealthCheck(ctx))

	dl := &webhooks.DeadLetter{
		ID:             "dl-1",
		DeliveryID:     "del-1",
		SubscriptionID: "sub-1",
		EventID:        "evt-1",
		EventType:      "producto.creado",
		AttemptNumber:  6,
		HTTPStatusCode: 500,
		ErrorMessage:   "HTTP 500",
		Event:          json.RawMessage(`{"id":"evt-1","type":"producto.creado"}`),
		DeadLetteredAt: time.Now().UTC(),
	}
	require.NoError(t, client.HandleDeadLetter(ctx, dl))

	body, err := client.GetObject(ctx, client.DeadLetterKey(dl))
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)

	var archived webhooks.DeadLetter
	require.NoError(t, json.Unmarshal(data, &archived))
	assert.Equal(t, "del-1", archived.DeliveryID)
	assert.Equal(t, 6, archived.AttemptNumber)
	assert.JSONEq(t, string(dl.Event), string(archived.Event))
}
