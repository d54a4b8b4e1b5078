package callindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexLinksConversation(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex(time.Hour)

	require.NoError(t, x.Put(ctx, Metadata{CallSID: "CA1", ClientName: "Jane", PhoneNumber: "+15551234567"}))
	require.NoError(t, x.LinkConversation(ctx, "conv_1", "CA1"))

	meta, ok, err := x.ByConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Metadata{CallSID: "CA1", ClientName: "Jane", PhoneNumber: "+15551234567", ConversationID: "conv_1"}, meta)

	// re-putting the call keeps the link
	require.NoError(t, x.Put(ctx, Metadata{CallSID: "CA1", ClientName: "Jane Doe", PhoneNumber: "+15551234567"}))
	meta, _, _ = x.ByCallSID(ctx, "CA1")
	assert.Equal(t, "conv_1", meta.ConversationID)
	assert.Equal(t, "Jane Doe", meta.ClientName)
}

func TestMemoryIndexMisses(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex(time.Hour)

	_, ok, err := x.ByConversation(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, x.Put(ctx, Metadata{}))
}
