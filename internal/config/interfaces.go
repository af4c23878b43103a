package config

import "context"

// SecretProvider resolves secret references: SSM parameter paths in
// deployed environments, plain environment variables locally.
type SecretProvider interface {
	// GetParametersBatch resolves keys and returns key -> plaintext for every
	// key it found.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
