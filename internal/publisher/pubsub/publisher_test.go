package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "topic", map[string]string{"k": "v"})
	require.Error(t, err)
	require.NoError(t, p.Close())

	_, err = Open(context.Background(), "")
	require.Error(t, err)
}
