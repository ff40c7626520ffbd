package main

import (
	"errors"
	"fmt"

	"github.com/vigilhq/vigil-migrate/pkg/backup"
	"github.com/vigilhq/vigil-migrate/pkg/blob"
	"github.com/vigilhq/vigil-migrate/pkg/config"
	"github.com/vigilhq/vigil-migrate/pkg/destination"
	"github.com/vigilhq/vigil-migrate/pkg/migration"
	"github.com/vigilhq/vigil-migrate/pkg/report"
	"github.com/vigilhq/vigil-migrate/pkg/source"
)

func openSource(cfg *config.Config) (*source.Store, error) {
	if cfg.Source.Path == "" {
		return nil, errors.New("source path is required (set --source, VIGIL_MIGRATE_SOURCE_PATH, or source.path in the config file)")
	}
	src, err := source.Open(cfg.Source.Path)
	if err != nil {
		return nil, fmt.Errorf("open legacy workspace: %w", err)
	}
	return src, nil
}

func openDestination(cfg *config.Config) (*destination.Store, error) {
	if cfg.Destination.DSN == "" {
		return nil, errors.New("destination DSN is required (set --destination-dsn, VIGIL_MIGRATE_DESTINATION_DSN, or destination.dsn in the config file)")
	}
	dst, err := destination.Connect(cfg.Destination.Driver, cfg.Destination.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to hosted service: %w", err)
	}
	return dst, nil
}

func newBlobStore(cfg *config.Config) (blob.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		return blob.NewS3Store(blob.S3Config{
			Bucket:   cfg.Storage.S3.Bucket,
			Prefix:   cfg.Storage.S3.Prefix,
			Region:   cfg.Storage.S3.Region,
			Endpoint: cfg.Storage.S3.Endpoint,
		})
	default:
		return blob.NewFSStore(cfg.Storage.Dir)
	}
}

// stack holds everything a command needs to operate on one workspace
// pair. Commands that never touch the source leave src nil.
type stack struct {
	src     *source.Store
	dst     *destination.Store
	blobs   blob.Store
	backups *backup.Manager
	reports report.Sink
}

func (s *stack) close() {
	if s.src != nil {
		_ = s.src.Close()
	}
	if s.dst != nil {
		_ = s.dst.Close()
	}
}

func buildStack(cfg *config.Config, needSource bool) (*stack, error) {
	st := &stack{}
	if needSource {
		src, err := openSource(cfg)
		if err != nil {
			return nil, err
		}
		st.src = src
	}

	dst, err := openDestination(cfg)
	if err != nil {
		st.close()
		return nil, err
	}
	st.dst = dst

	blobs, err := newBlobStore(cfg)
	if err != nil {
		st.close()
		return nil, fmt.Errorf("open blob storage: %w", err)
	}
	st.blobs = blobs
	st.backups = backup.NewManager(dst, blobs, globalLogger)
	st.reports = report.NewBlobSink(blobs)
	return st, nil
}

// runOptions lifts the config file's run section into engine options.
// Flags override individual fields on top of this.
func runOptions(cfg *config.Config) migration.Options {
	return migration.Options{
		DryRun:         cfg.Run.DryRun,
		SkipValidation: cfg.Run.SkipValidation,
		AutoVerify:     cfg.Run.AutoVerify,
		CreateBackup:   cfg.Run.CreateBackup,
		SampleSize:     cfg.Run.SampleSize,
	}
}
