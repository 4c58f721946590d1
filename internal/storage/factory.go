package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fruitsalade/bundleproxy/internal/storage/local"
	s3backend "github.com/fruitsalade/bundleproxy/internal/storage/s3"
)

// Backend types accepted by NewBackendFromConfig.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

var (
	_ Backend = (*local.Dir)(nil)
	_ Backend = (*s3backend.S3Backend)(nil)
)

// NewBackendFromConfig opens the archive part storage named by
// backendType. config is the JSON settings document of that backend.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (Backend, error) {
	switch strings.ToLower(backendType) {
	case TypeLocal:
		return local.NewFromJSON(config)
	case TypeS3:
		return s3backend.NewBackendFromJSON(ctx, config)
	}
	return nil, fmt.Errorf("unknown archive storage %q (valid: %s, %s)", backendType, TypeLocal, TypeS3)
}
