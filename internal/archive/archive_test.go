package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Uploads and fetches require a live S3 endpoint, so only the
// disabled-by-default construction path is exercised here.
func TestNewReturnsNilClientWhenBucketUnset(t *testing.T) {
	c, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestNewReturnsNilClientWhenBucketBlank(t *testing.T) {
	c, err := New(context.Background(), Config{Bucket: "   "})
	require.NoError(t, err)
	assert.Nil(t, c)
}
