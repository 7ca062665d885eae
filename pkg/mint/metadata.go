package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const uploadTimeout = 10 * time.Second

// TokenMetadata is the JSON document published for a minted ticket.
type TokenMetadata struct {
	Name        string            `json:"name"`
	Symbol      string            `json:"symbol"`
	Description string            `json:"description,omitempty"`
	Image       string            `json:"image,omitempty"`
	EventID     string            `json:"event_id"`
	TicketID    string            `json:"ticket_id"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// MetadataStore publishes token metadata and returns its public URI.
type MetadataStore interface {
	Upload(ctx context.Context, tenantID, ticketID string, meta *TokenMetadata) (string, error)
}

func metadataKey(tenantID, ticketID string) string {
	return fmt.Sprintf("metadata/%s/%s.json", tenantID, ticketID)
}

// S3MetadataStore publishes metadata documents to an S3 bucket.
type S3MetadataStore struct {
	client *s3.Client
	bucket string
}

// NewS3MetadataStore wraps a configured S3 client.
func NewS3MetadataStore(client *s3.Client, bucket string) *S3MetadataStore {
	return &S3MetadataStore{client: client, bucket: bucket}
}

func (s *S3MetadataStore) Upload(ctx context.Context, tenantID, ticketID string, meta *TokenMetadata) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	body, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("mint: marshal metadata: %w", err)
	}

	key := metadataKey(tenantID, ticketID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("mint: upload metadata to s3: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key), nil
}

// GCSMetadataStore publishes metadata documents to a GCS bucket.
type GCSMetadataStore struct {
	client *storage.Client
	bucket string
}

// NewGCSMetadataStore wraps a configured GCS client.
func NewGCSMetadataStore(client *storage.Client, bucket string) *GCSMetadataStore {
	return &GCSMetadataStore{client: client, bucket: bucket}
}

func (g *GCSMetadataStore) Upload(ctx context.Context, tenantID, ticketID string, meta *TokenMetadata) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	body, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("mint: marshal metadata: %w", err)
	}

	key := metadataKey(tenantID, ticketID)
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("mint: upload metadata to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("mint: finalize gcs upload: %w", err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, key), nil
}

// MemoryMetadataStore keeps uploads in memory for tests and local runs.
type MemoryMetadataStore struct {
	mu   sync.Mutex
	docs map[string]*TokenMetadata
}

// NewMemoryMetadataStore creates an empty in-memory store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{docs: map[string]*TokenMetadata{}}
}

func (m *MemoryMetadataStore) Upload(_ context.Context, tenantID, ticketID string, meta *TokenMetadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metadataKey(tenantID, ticketID)
	m.docs[key] = meta
	return "memory://" + key, nil
}

// Get returns a stored document, for assertions.
func (m *MemoryMetadataStore) Get(tenantID, ticketID string) (*TokenMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[metadataKey(tenantID, ticketID)]
	return doc, ok
}
