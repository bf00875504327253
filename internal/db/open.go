package db

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"
)

// Store backends.
const (
	BackendSQL    = "sql"
	BackendDynamo = "dynamodb"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	Driver      string
	DatabaseURL string
	TableName   string
}

// OpenStore builds the configured Store. It is called once at startup.
func OpenStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendSQL, "":
		return Open(ctx, opts.Driver, opts.DatabaseURL)
	case BackendDynamo:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		log.Info().Str("table", opts.TableName).Str("region", cfg.Region).Msg("Using DynamoDB store")
		return NewDynamoStore(dynamodb.NewFromConfig(cfg), opts.TableName), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", opts.Backend)
	}
}
