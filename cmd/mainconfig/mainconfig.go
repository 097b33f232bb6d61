// Package mainconfig holds SDK setup shared by the binaries.
package mainconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	appconfig "github.com/wolfman30/clinic-offline-sync/internal/config"
)

// LoadAWSConfig resolves the SDK config used by the SQS dead-letter export and
// the SES alert sender. AWS_ENDPOINT_OVERRIDE points every client at one
// endpoint, LocalStack in development.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	if cfg == nil {
		return aws.Config{}, errors.New("mainconfig: config is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}

	key, secret := strings.TrimSpace(cfg.AWSAccessKeyID), strings.TrimSpace(cfg.AWSSecretAccessKey)
	if key != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")))
	}
	if endpoint := strings.TrimSpace(cfg.AWSEndpointOverride); endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("mainconfig: load aws config: %w", err)
	}
	return awsCfg, nil
}
