package s3infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-api-guard/internal/infrastructure/kv"
)

// API is the subset of the S3 client used for snapshots.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewClient creates an S3 client. When endpoint is set (LocalStack),
// it overrides the endpoint and enables path-style addressing.
func NewClient(awsCfg aws.Config, endpoint string) *s3.Client {
	clientOpts := []func(*s3.Options){}
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, clientOpts...)
}

type snapshot struct {
	Namespace string     `json:"namespace"`
	SavedAt   time.Time  `json:"saved_at"`
	Entries   []kv.Entry `json:"entries"`
}

// SnapshotStore persists fallback store contents so a restarted process can
// warm its fallback with revocations and OTPs recorded during an outage.
type SnapshotStore struct {
	client API
	bucket string
	prefix string
}

func NewSnapshotStore(client API, bucket, prefix string) *SnapshotStore {
	return &SnapshotStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *SnapshotStore) objectKey(namespace string) string {
	return s.prefix + namespace + ".json"
}

// Save overwrites the snapshot of namespace.
func (s *SnapshotStore) Save(ctx context.Context, namespace string, entries []kv.Entry) error {
	body, err := json.Marshal(snapshot{Namespace: namespace, SavedAt: time.Now().UTC(), Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(namespace)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// Load returns the saved entries of namespace, or nil when none were saved.
func (s *SnapshotStore) Load(ctx context.Context, namespace string) ([]kv.Entry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(namespace)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	var snap snapshot
	if err := json.NewDecoder(out.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap.Entries, nil
}
