// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/kianostad/epochgc/internal/mock"
	"github.com/kianostad/epochgc/internal/monitoring/metrics"
)

func TestQueryHistoryLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	sink := mock.NewMockQueryLogger(ctrl)
	m := metrics.NewMetrics()
	h := NewQueryHistory(sink, 2, 16, WithHistoryMetrics(m))

	require.False(t, h.Submit("SELECT 1", 1), "submission before Start must be refused")

	var ids []uuid.UUID
	sink.EXPECT().LogQuery(gomock.Any(), gomock.Any(), "SELECT 2", uint64(2)).
		DoAndReturn(func(_ context.Context, id uuid.UUID, _ string, _ uint64) error {
			ids = append(ids, id)
			return nil
		})
	sink.EXPECT().LogQuery(gomock.Any(), gomock.Any(), "SELECT 3", uint64(3)).
		Return(errors.New("disk full"))

	h.Start(context.Background())
	h.Start(context.Background())
	require.True(t, h.Submit("SELECT 2", 2))
	require.True(t, h.Submit("SELECT 3", 3))
	h.Stop()
	h.Stop()

	require.False(t, h.Submit("SELECT 4", 4), "submission after Stop must be refused")
	require.Len(t, ids, 1)
	require.NotEqual(t, uuid.Nil, ids[0])

	m.Close()
	stats := m.GetStats().Queries
	require.Equal(t, uint64(2), stats.Submitted)
	require.Equal(t, uint64(2), stats.Dropped)
	require.Equal(t, uint64(1), stats.Failed)
}

func TestQueryHistoryDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	sink := mock.NewMockQueryLogger(ctrl)
	h := NewQueryHistory(sink, 1, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	sink.EXPECT().LogQuery(gomock.Any(), gomock.Any(), "first", uint64(1)).
		DoAndReturn(func(context.Context, uuid.UUID, string, uint64) error {
			close(entered)
			<-release
			return nil
		})
	sink.EXPECT().LogQuery(gomock.Any(), gomock.Any(), "second", uint64(2)).Return(nil)

	h.Start(context.Background())
	require.True(t, h.Submit("first", 1))
	<-entered
	require.True(t, h.Submit("second", 2))
	require.False(t, h.Submit("third", 3))

	close(release)
	h.Stop()
}

func TestQueryHistoryOutlivesStartContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := gomock.NewController(t)
	sink := mock.NewMockQueryLogger(ctrl)
	h := NewQueryHistory(sink, 2, 4)

	sink.EXPECT().LogQuery(gomock.Any(), gomock.Any(), "late", uint64(9)).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	cancel()
	time.Sleep(10 * time.Millisecond)

	require.True(t, h.Submit("late", 9))
	h.Stop()
}

func TestQueryHistoryStopWithoutStart(t *testing.T) {
	h := NewQueryHistory(nil, 0, 0)
	h.Stop()
	require.False(t, h.Submit("q", 1))
}
