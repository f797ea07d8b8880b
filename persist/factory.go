package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "file", "":
		return NewFileSystemStoreFromConfig(config)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateObjectKey validates an S3 key prefix or object name
func validateObjectKey(key string) error {
	if strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return fmt.Errorf("object key contains invalid characters")
	}
	if len(key) > 512 {
		return fmt.Errorf("object key too long (max 512 characters)")
	}
	return nil
}
