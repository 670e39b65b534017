package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNS rejects subjects longer than 100 characters.
const maxSubjectLen = 100

// Publisher is the subset of the SNS client used by Alerter.
type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Alerter publishes operational alerts to an SNS topic.
type Alerter struct {
	client   Publisher
	topicARN string
}

// NewClient creates an SNS client, pointed at endpoint when set (LocalStack).
func NewClient(awsCfg aws.Config, endpoint string) *sns.Client {
	clientOpts := []func(*sns.Options){}
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return sns.NewFromConfig(awsCfg, clientOpts...)
}

func NewAlerter(client Publisher, topicARN string) *Alerter {
	return &Alerter{client: client, topicARN: topicARN}
}

func (a *Alerter) Alert(ctx context.Context, subject, message string) error {
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen]
	}
	_, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}
