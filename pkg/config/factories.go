package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/bus"
	"github.com/marmos91/imgpull/pkg/catalog"
	catalogfs "github.com/marmos91/imgpull/pkg/catalog/fs"
	catalogs3 "github.com/marmos91/imgpull/pkg/catalog/s3"
	"github.com/marmos91/imgpull/pkg/digest"
	"github.com/marmos91/imgpull/pkg/store/users"
	"github.com/marmos91/imgpull/pkg/store/users/badger"
	"github.com/marmos91/imgpull/pkg/store/users/file"
	"github.com/marmos91/imgpull/pkg/store/users/memory"
)

// CreateUserStore creates the user record store selected by cfg.Type and
// seeds the default records when cfg.SeedDefaults is set.
//
// Supported types:
//   - "file": one record per line in a text file (pkg/store/users/file)
//   - "badger": BadgerDB, persistent and transactional (pkg/store/users/badger)
//   - "memory": ephemeral, lost on restart (pkg/store/users/memory)
func CreateUserStore(ctx context.Context, cfg *UsersConfig) (users.Store, error) {
	var (
		store users.Store
		err   error
	)
	switch cfg.Type {
	case "file":
		store, err = createFileUserStore(ctx, cfg.File)
	case "badger":
		store, err = createBadgerUserStore(ctx, cfg.Badger)
	case "memory":
		store, err = memory.NewMemoryUserStore()
	default:
		return nil, fmt.Errorf("unknown user store type: %q (supported: file, badger, memory)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.SeedDefaults {
		added, err := users.Seed(ctx, store, users.DefaultUsers())
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed user store: %w", err)
		}
		if added > 0 {
			logger.Info("Seeded %d default user records", added)
		}
	}

	return store, nil
}

func createFileUserStore(ctx context.Context, options map[string]any) (users.Store, error) {
	var storeCfg file.FileUserStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode file user store config: %w", err)
	}
	if err := validate.Struct(storeCfg); err != nil {
		return nil, fmt.Errorf("file user store: %w", formatValidationError(err))
	}

	store, err := file.NewFileUserStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create file user store: %w", err)
	}
	return store, nil
}

func createBadgerUserStore(ctx context.Context, options map[string]any) (users.Store, error) {
	var storeCfg badger.BadgerUserStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger user store config: %w", err)
	}
	if !storeCfg.InMemory {
		if err := validate.Struct(storeCfg); err != nil {
			return nil, fmt.Errorf("badger user store: %w", formatValidationError(err))
		}
	}

	store, err := badger.NewBadgerUserStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger user store: %w", err)
	}
	return store, nil
}

// CreateCatalog creates the image catalog selected by cfg.Type.
//
// s3Metrics may be nil.
func CreateCatalog(ctx context.Context, cfg *CatalogConfig, s3Metrics catalogs3.S3Metrics) (*catalog.Catalog, error) {
	alg := digest.Algorithm(cfg.Digest)

	var (
		src catalog.Source
		err error
	)
	switch cfg.Type {
	case "filesystem":
		src, err = createFilesystemSource(cfg.Filesystem)
	case "s3":
		src, err = createS3Source(ctx, cfg.S3, s3Metrics)
	default:
		return nil, fmt.Errorf("unknown catalog type: %q (supported: filesystem, s3)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return catalog.New(src, alg)
}

func createFilesystemSource(options map[string]any) (catalog.Source, error) {
	var srcCfg struct {
		Path string `mapstructure:"path"`
	}
	if err := mapstructure.Decode(options, &srcCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem catalog config: %w", err)
	}
	if srcCfg.Path == "" {
		return nil, fmt.Errorf("filesystem catalog: path is required")
	}

	src, err := catalogfs.NewFSSource(srcCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem catalog: %w", err)
	}
	return src, nil
}

// s3CatalogConfig is the options map of an S3 catalog.
type s3CatalogConfig struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

func createS3Source(ctx context.Context, options map[string]any, m catalogs3.S3Metrics) (catalog.Source, error) {
	var srcCfg s3CatalogConfig
	if err := mapstructure.Decode(options, &srcCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 catalog config: %w", err)
	}

	if srcCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 catalog: bucket is required")
	}
	if srcCfg.Region == "" {
		return nil, fmt.Errorf("S3 catalog: region is required")
	}

	client, err := newS3Client(ctx, srcCfg)
	if err != nil {
		return nil, err
	}

	src, err := catalogs3.NewS3Source(catalogs3.S3SourceConfig{
		Client:  client,
		Bucket:  srcCfg.Bucket,
		Prefix:  srcCfg.Prefix,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 catalog: %w", err)
	}

	logger.Info("S3 catalog initialized: bucket=%s, region=%s, prefix=%s",
		srcCfg.Bucket, srcCfg.Region, srcCfg.Prefix)

	return src, nil
}

// newS3Client builds an S3 client from static or default-chain credentials.
// A custom endpoint (MinIO, Localstack) switches to path-style addressing.
func newS3Client(ctx context.Context, srcCfg s3CatalogConfig) (*s3.Client, error) {
	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(srcCfg.Region),
	}

	if srcCfg.AccessKeyID != "" && srcCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			srcCfg.AccessKeyID,
			srcCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := srcCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultS3MaxRetries
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if srcCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(srcCfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// CreateLocalBus creates the in-process bus shared by the router and the
// services in `imgpull serve`, or hosted by the broker in `imgpull router`.
func CreateLocalBus(cfg *BusConfig) *bus.MemoryBus {
	return bus.NewMemoryBus(cfg.MaxMessageSize)
}

// CreateBroker exposes b on the configured socket.
func CreateBroker(cfg *BusConfig, b bus.Bus) *bus.Broker {
	return bus.NewBroker(bus.BrokerConfig{Network: cfg.Network, Address: cfg.Address}, b)
}

// DialBus connects a service process to the router's broker.
func DialBus(ctx context.Context, cfg *BusConfig) (*bus.Remote, error) {
	if cfg.Type != "socket" {
		return nil, fmt.Errorf("bus type %q cannot be dialed, use the socket bus for split deployments", cfg.Type)
	}
	remote, err := bus.Dial(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", cfg.Address, err)
	}
	return remote, nil
}
