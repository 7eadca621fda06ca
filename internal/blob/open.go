package blob

import (
	"context"
	"fmt"

	"register/internal/infra/blob/fs"
	"register/internal/infra/blob/memory"
	"register/internal/infra/blob/s3"
)

// S3Config configures the s3 driver.
type S3Config = s3.Config

// Config selects a backend.
type Config struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// Open returns the configured store, or nil for DriverNone.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverNone, "":
		return nil, nil
	case DriverMemory:
		return memory.New(), nil
	case DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
