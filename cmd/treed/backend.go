package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/treeorder/internal/config"
	"github.com/jacentio/treeorder/scopelock"
	"github.com/jacentio/treeorder/store"
	"github.com/jacentio/treeorder/store/dynamo"
	"github.com/jacentio/treeorder/store/memory"
	"github.com/jacentio/treeorder/store/sqlstore"
)

// backend is the storage and locking pair selected by configuration.
type backend struct {
	store  store.Store
	locker scopelock.Locker
	close  func() error
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	var ddb *dynamodb.Client
	dynamoClient := func() (*dynamodb.Client, error) {
		if ddb != nil {
			return ddb, nil
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		ddb = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Store.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Store.Endpoint)
			}
		})
		return ddb, nil
	}

	b := &backend{close: func() error { return nil }}
	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.store = memory.New()
	case config.BackendSQLite, config.BackendMySQL:
		s, err := sqlstore.Open(sqlstore.Config{Driver: cfg.Store.Backend, DSN: cfg.Store.DSN})
		if err != nil {
			return nil, err
		}
		b.store = s
		b.close = s.Close
	case config.BackendDynamoDB:
		client, err := dynamoClient()
		if err != nil {
			return nil, err
		}
		dc := dynamo.DefaultConfig()
		dc.Table = cfg.Store.Table
		b.store = dynamo.New(client, dc)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	switch cfg.Lock.Backend {
	case config.BackendMemory:
		b.locker = scopelock.NewManager(scopelock.Config{Timeout: cfg.Lock.Timeout}, logger)
	case config.BackendDynamoDB:
		client, err := dynamoClient()
		if err != nil {
			_ = b.close()
			return nil, err
		}
		lc := scopelock.DefaultDynamoConfig()
		lc.Table = cfg.Lock.Table
		lc.Timeout = cfg.Lock.Timeout
		lc.Lease = cfg.Lock.Lease
		b.locker = scopelock.NewDynamoLocker(client, lc, logger)
	default:
		_ = b.close()
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}

	logger.Info("backend ready",
		"store", cfg.Store.Backend,
		"lock", cfg.Lock.Backend,
	)
	return b, nil
}
