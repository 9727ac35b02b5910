package storage

import (
	"context"
	"fmt"

	"github.com/lgulliver/conduit/pkg/config"
)

// StorageFactory creates storage instances based on configuration
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStorage creates a storage instance based on the configured type
func (sf *StorageFactory) CreateStorage(ctx context.Context) (MultipartStorage, error) {
	var (
		storage MultipartStorage
		err     error
	)
	switch sf.config.Type {
	case "local":
		storage, err = NewLocalStorage(sf.config.LocalPath, sf.config.PublicURL, sf.config.SigningSecret)
	case "s3":
		storage, err = NewS3Storage(ctx, sf.config)
	case "minio":
		storage, err = NewMinioStorage(sf.config)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
	if err != nil {
		return nil, err
	}
	return storage, nil
}
