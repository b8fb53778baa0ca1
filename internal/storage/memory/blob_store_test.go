package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("%PDF-1.7 content")
	uri, err := store.PutObject(context.Background(), "pdfs/abc.pdf", "application/pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://pdfs/abc.pdf", uri)

	payload[0] = 'X'
	body, ct, ok := store.Object("pdfs/abc.pdf")
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.7 content", string(body))
	assert.Equal(t, "application/pdf", ct)
	assert.Equal(t, 1, store.Len())
}
