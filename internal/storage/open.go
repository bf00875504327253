package storage

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Options selects the storage backend.
type Options struct {
	Remote       bool
	Bucket       string
	LocalDir     string
	LocalBaseURL string
}

// New builds the configured backend. It is called once at startup; nothing
// downstream branches on the backend kind.
func New(ctx context.Context, opts Options) (AssetStorage, error) {
	if !opts.Remote {
		local, err := NewLocal(opts.LocalDir, opts.LocalBaseURL)
		if err != nil {
			return nil, err
		}
		log.Info().Str("root", local.root).Msg("Using local asset storage")
		return local, nil
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("remote storage requires a bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	log.Info().Str("bucket", opts.Bucket).Str("region", cfg.Region).Msg("Using S3 asset storage")
	return NewS3(client, s3.NewPresignClient(client), opts.Bucket), nil
}
