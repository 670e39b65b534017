package s3infra

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-api-guard/internal/infrastructure/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	mock.Mock
	saved []byte
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	m.saved = body
	args := m.Called(ctx, aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, args.Error(0)
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(in.Key))
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(m.saved))}, nil
}

func TestSnapshotStore_SaveLoad(t *testing.T) {
	api := new(mockS3)
	api.On("PutObject", mock.Anything, "snaps/blacklist.json").Return(nil)
	api.On("GetObject", mock.Anything, "snaps/blacklist.json").Return(nil)
	s := NewSnapshotStore(api, "bucket", "snaps/")

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []kv.Entry{
		{Key: "blacklist:user:u1", Value: "1700000000000", ExpiresAt: exp},
		{Key: "rate:ip:1", Window: []int64{1, 2}, ExpiresAt: exp},
	}
	require.NoError(t, s.Save(context.Background(), "blacklist", entries))

	got, err := s.Load(context.Background(), "blacklist")
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	api.AssertExpectations(t)
}

func TestSnapshotStore_LoadMissing(t *testing.T) {
	api := new(mockS3)
	api.On("GetObject", mock.Anything, "otp.json").Return(&types.NoSuchKey{})
	s := NewSnapshotStore(api, "bucket", "")

	got, err := s.Load(context.Background(), "otp")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotStore_LoadError(t *testing.T) {
	api := new(mockS3)
	api.On("GetObject", mock.Anything, "otp.json").Return(assert.AnError)
	s := NewSnapshotStore(api, "bucket", "")

	_, err := s.Load(context.Background(), "otp")
	assert.ErrorIs(t, err, assert.AnError)
}
