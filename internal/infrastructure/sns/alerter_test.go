package sns

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, aws.ToString(in.TopicArn), aws.ToString(in.Subject), aws.ToString(in.Message))
	return &sns.PublishOutput{}, args.Error(0)
}

const topic = "arn:aws:sns:us-east-1:000000000000:alerts"

func TestAlerter_Alert(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, topic, "blacklist store breaker open", "details").Return(nil)

	err := NewAlerter(pub, topic).Alert(context.Background(), "blacklist store breaker open", "details")
	assert.NoError(t, err)
	pub.AssertExpectations(t)
}

func TestAlerter_TruncatesSubject(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, topic, strings.Repeat("s", maxSubjectLen), "m").Return(nil)

	err := NewAlerter(pub, topic).Alert(context.Background(), strings.Repeat("s", 150), "m")
	assert.NoError(t, err)
	pub.AssertExpectations(t)
}

func TestAlerter_PublishError(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, topic, "s", "m").Return(assert.AnError)

	err := NewAlerter(pub, topic).Alert(context.Background(), "s", "m")
	assert.ErrorIs(t, err, assert.AnError)
}
