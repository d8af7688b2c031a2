package postgres

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

type recordedS3Request struct {
	Method      string
	Path        string
	ContentType string
}

// fakeS3 answers every request with status and records what it saw
func fakeS3(t *testing.T, status int) (*S3Client, func() []recordedS3Request) {
	t.Helper()

	var (
		mu       sync.Mutex
		requests []recordedS3Request
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, recordedS3Request{Method: r.Method, Path: r.URL.Path, ContentType: r.Header.Get("Content-Type")})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(server.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("key", "secret", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		RetryMaxAttempts:           1,
	})

	return &S3Client{client: client, bucket: "dead-letters", prefix: "archive"}, func() []recordedS3Request {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedS3Request(nil), requests...)
	}
}

func sampleDeadLetter() *webhooks.DeadLetter {
	return &webhooks.DeadLetter{
		ID:             "dl-1",
		DeliveryID:     "del-1",
		SubscriptionID: "sub-1",
		EventID:        "evt-1",
		EventType:      "producto.creado",
		AttemptNumber:  6,
		Event:          json.RawMessage(`{"id":"evt-1"}`),
		DeadLetteredAt: ledgerNow,
	}
}

func TestS3Client_DeadLetterKey(t *testing.T) {
	c := &S3Client{prefix: "archive"}
	assert.Equal(t, "archive/2026/10/15/sub-1/dl-1.json", c.DeadLetterKey(sampleDeadLetter()))

	c.prefix = ""
	assert.Equal(t, "2026/10/15/sub-1/dl-1.json", c.DeadLetterKey(sampleDeadLetter()))
}

func TestS3Client_HandleDeadLetter(t *testing.T) {
	client, requests := fakeS3(t, http.StatusOK)

	require.NoError(t, client.HandleDeadLetter(context.Background(), sampleDeadLetter()))

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].Method)
	assert.Equal(t, "/dead-letters/archive/2026/10/15/sub-1/dl-1.json", got[0].Path)
	assert.Equal(t, "application/json", got[0].ContentType)
}

func TestS3Client_HandleDeadLetterFailure(t *testing.T) {
	client, _ := fakeS3(t, http.StatusForbidden)

	err := client.HandleDeadLetter(context.Background(), sampleDeadLetter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload to s3")
}

func TestS3Client_HealthCheck(t *testing.T) {
	healthy, requests := fakeS3(t, http.StatusOK)
	require.NoError(t, healthy.HealthCheck(context.Background()))
	assert.Equal(t, http.MethodHead, requests()[0].Method)

	missing, _ := fakeS3(t, http.StatusNotFound)
	err := missing.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 health check failed")
}
