package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/scan"
)

func TestPublishAssignsSequentialIDs(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "scan-summaries", pipeline.Summary{BatchID: "b1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "alerts", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "scan-summaries", msgs[0].Topic)
	require.Equal(t, id2, msgs[1].ID)

	msgs[0].Topic = "modified"
	require.Equal(t, "scan-summaries", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "", pipeline.Summary{})
	require.ErrorContains(t, err, "topic is required")
}

func TestSummariesFiltersByTopicAndType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := New()
	_, _ = pub.Publish(ctx, "scan-summaries", pipeline.Summary{BatchID: "b1", Mode: scan.ModeTest, Total: 3})
	_, _ = pub.Publish(ctx, "scan-summaries", "not a summary")
	_, _ = pub.Publish(ctx, "other", &pipeline.Summary{BatchID: "b2", Total: 1})
	_, _ = pub.Publish(ctx, "scan-summaries", pipeline.Summary{BatchID: "b1", Total: 4})

	got := pub.Summaries("scan-summaries")
	require.Len(t, got, 2)
	require.Equal(t, scan.ModeTest, got[0].Mode)
	require.Len(t, pub.Summaries(""), 3)

	last, ok := pub.Last("b1")
	require.True(t, ok)
	require.Equal(t, 4, last.Total)
	_, ok = pub.Last("missing")
	require.False(t, ok)
}
