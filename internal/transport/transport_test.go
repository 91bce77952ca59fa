package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/internal/transport"
)

type countingTransport struct {
	sent []string
}

func (c *countingTransport) Send(ctx context.Context, contactRef, text string) (string, error) {
	c.sent = append(c.sent, text)
	return "d", nil
}

func (c *countingTransport) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	return []byte(ref), nil
}

func TestRateLimited_FirstSendIsImmediate(t *testing.T) {
	inner := &countingTransport{}
	tr := transport.NewRateLimited(inner, 60)

	start := time.Now()
	_, err := tr.Send(context.Background(), "+1", "hello")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"hello"}, inner.sent)
}

func TestRateLimited_WaitHonoursContext(t *testing.T) {
	inner := &countingTransport{}
	tr := transport.NewRateLimited(inner, 1)

	_, err := tr.Send(context.Background(), "+1", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Send(ctx, "+1", "second")
	assert.Error(t, err, "second send within the minute must wait past the deadline")
	assert.Equal(t, []string{"first"}, inner.sent)
}

func TestRateLimited_DownloadNotLimited(t *testing.T) {
	tr := transport.NewRateLimited(&countingTransport{}, 1)
	for i := 0; i < 3; i++ {
		data, err := tr.DownloadMedia(context.Background(), "ref")
		require.NoError(t, err)
		assert.Equal(t, []byte("ref"), data)
	}
}

func TestLogTransport(t *testing.T) {
	tr := transport.NewLogTransport(nil)

	id1, err := tr.Send(context.Background(), "+1", "hi")
	require.NoError(t, err)
	id2, err := tr.Send(context.Background(), "+1", "hi")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	_, err = tr.DownloadMedia(context.Background(), "m1")
	assert.ErrorIs(t, err, transport.ErrMediaUnavailable)
}
