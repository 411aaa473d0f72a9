// Package awsclient builds the SQS, S3, and Firehose clients from the
// service configuration, including endpoint overrides for local stacks.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/skysense/scan-transformer/internal/config"
)

// Clients bundles the constructed AWS service clients.
type Clients struct {
	SQS      *sqs.Client
	S3       *s3.Client
	Firehose *firehose.Client
}

// New loads the AWS configuration and constructs the three clients.
// Static credentials are used when configured; otherwise the SDK's
// default chain applies. A non-empty endpoint points every client at a
// local stack (path-style addressing for S3).
func New(ctx context.Context, store config.ObjectStore) (*Clients, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(store.Region),
	}
	if store.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(store.AccessKeyID, store.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	c := &Clients{
		SQS: sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			if store.Endpoint != "" {
				o.BaseEndpoint = aws.String(store.Endpoint)
			}
		}),
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			if store.Endpoint != "" {
				o.BaseEndpoint = aws.String(store.Endpoint)
				o.UsePathStyle = true
			}
		}),
		Firehose: firehose.NewFromConfig(cfg, func(o *firehose.Options) {
			if store.Endpoint != "" {
				o.BaseEndpoint = aws.String(store.Endpoint)
			}
		}),
	}
	return c, nil
}

// queueURLGetter is the slice of the SQS API queue resolution needs.
type queueURLGetter interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// ResolveQueueURL returns the configured URL directly, or resolves the
// configured queue name through GetQueueUrl.
func ResolveQueueURL(ctx context.Context, client queueURLGetter, q config.Queue) (string, error) {
	if q.URL != "" {
		return q.URL, nil
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(q.Name),
	})
	if err != nil {
		return "", fmt.Errorf("resolve queue %q: %w", q.Name, err)
	}
	return *out.QueueUrl, nil
}

// streamDescriber is the slice of the Firehose API the startup check needs.
type streamDescriber interface {
	DescribeDeliveryStream(ctx context.Context, params *firehose.DescribeDeliveryStreamInput, optFns ...func(*firehose.Options)) (*firehose.DescribeDeliveryStreamOutput, error)
}

// CheckDeliveryStream describes the stream once so a misconfigured name
// fails at startup instead of on the first batch.
func CheckDeliveryStream(ctx context.Context, client streamDescriber, name string) error {
	_, err := client.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
		DeliveryStreamName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("describe delivery stream %q: %w", name, err)
	}
	return nil
}
