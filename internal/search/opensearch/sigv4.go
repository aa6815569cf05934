package opensearch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/opensearch-project/opensearch-go/v4"
	requestsigner "github.com/opensearch-project/opensearch-go/v4/signer/awsv2"
)

const signingService = "es"

// signWithAWS makes cfg sign every request for an AWS-managed domain. A configured key
// pair takes precedence over the default AWS credential chain.
func signWithAWS(ctx context.Context, cfg *opensearch.Config, region, keyID, secretKey string) error {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if keyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	signer, err := requestsigner.NewSignerWithService(awsCfg, signingService)
	if err != nil {
		return fmt.Errorf("create request signer: %w", err)
	}
	cfg.Signer = signer
	return nil
}
