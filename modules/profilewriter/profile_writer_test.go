package profilewriter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allezon/pipeline/pkg/ingest"
	"github.com/allezon/pipeline/pkg/usertag"
)

type fakeSource struct {
	ch chan ingest.Event

	mtx       sync.Mutex
	marked    map[ingest.Substream]int64
	committed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		ch:     make(chan ingest.Event, 16),
		marked: map[ingest.Substream]int64{},
	}
}

func (f *fakeSource) Ping(context.Context) error { return nil }

func (f *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	close(f.ch)
	return nil
}

func (f *fakeSource) Events() <-chan ingest.Event { return f.ch }

func (f *fakeSource) MarkProcessed(sub ingest.Substream, offset int64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.marked[sub] = offset
}

func (f *fakeSource) CommitMarked(context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.committed = true
	return nil
}

func (f *fakeSource) Close() {}

func (f *fakeSource) markedOffset(sub ingest.Substream) (int64, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	off, ok := f.marked[sub]
	return off, ok
}

type fakeStore struct {
	mtx  sync.Mutex
	tags []*usertag.UserTag
	err  error
}

func (s *fakeStore) UpdateUserProfile(_ context.Context, tag *usertag.UserTag) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tags = append(s.tags, tag)
	return nil
}

func (s *fakeStore) count() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.tags)
}

func event(cookie string, offset int64) ingest.Event {
	return ingest.Event{
		Tag: &usertag.UserTag{
			Time:   usertag.At(time.Date(2022, 3, 22, 12, 15, 0, 0, time.UTC)),
			Cookie: cookie,
			Action: usertag.ActionView,
		},
		Substream: ingest.Substream{Topic: "user_tags", Partition: 0},
		Offset:    offset,
	}
}

func TestProfileWriterMarksAfterWrite(t *testing.T) {
	source := newFakeSource()
	store := &fakeStore{}
	w := newProfileWriter(source, store, log.NewNopLogger(), prometheus.NewRegistry())

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, w))

	source.ch <- event("c1", 0)
	source.ch <- event("c2", 1)

	require.Eventually(t, func() bool {
		off, ok := source.markedOffset(ingest.Substream{Topic: "user_tags", Partition: 0})
		return ok && off == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, store.count())

	require.NoError(t, services.StopAndAwaitTerminated(ctx, w))
	assert.True(t, source.committed)
}

func TestProfileWriterFailsWhenWriteFails(t *testing.T) {
	source := newFakeSource()
	store := &fakeStore{err: errors.New("store down")}
	w := newProfileWriter(source, store, log.NewNopLogger(), prometheus.NewRegistry())

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, w))

	source.ch <- event("c1", 0)

	err := w.AwaitTerminated(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "store down")

	_, ok := source.markedOffset(ingest.Substream{Topic: "user_tags", Partition: 0})
	assert.False(t, ok)
}
