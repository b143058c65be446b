package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cdpwebreq/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memRecorder struct {
	mu   sync.Mutex
	evts []model.Event
	err  error
}

func (r *memRecorder) Record(_ context.Context, evt model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evt)
	return r.err
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evts)
}

type fakeBrowser struct{ closed bool }

func (b *fakeBrowser) Close() error {
	b.closed = true
	return errors.New("already gone")
}

func receive(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event")
		return model.Event{}
	}
}

func TestSessionFansOutEvents(t *testing.T) {
	rec := &memRecorder{}
	s := New("s1", model.SessionConfig{}, rec, nil)
	a, cancelA := s.Subscribe(4)
	b, cancelB := s.Subscribe(4)
	defer cancelB()

	s.Events() <- model.Event{Type: model.EventBlocked, URL: "https://ads.test/"}
	assert.Equal(t, model.EventBlocked, receive(t, a).Type)
	assert.Equal(t, model.EventBlocked, receive(t, b).Type)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	s.Events() <- model.Event{Type: model.EventPassed}
	assert.Equal(t, model.EventPassed, receive(t, b).Type)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	_, open = <-b
	assert.False(t, open)
}

func TestSessionCloseClosesBrowser(t *testing.T) {
	br := &fakeBrowser{}
	s := New("s2", model.SessionConfig{}, &memRecorder{err: errors.New("disk full")}, nil)
	s.Browser = br
	s.Events() <- model.Event{Type: model.EventFailed}

	assert.Error(t, s.Close())
	assert.True(t, br.closed)

	late, _ := s.Subscribe(1)
	_, open := <-late
	assert.False(t, open)
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(nil)
	s1 := New("a", model.SessionConfig{}, nil, nil)
	time.Sleep(time.Millisecond)
	s2 := New("b", model.SessionConfig{}, nil, nil)
	require.NoError(t, m.Add(s1))
	require.NoError(t, m.Add(s2))
	assert.ErrorIs(t, m.Add(s1), ErrSessionExists)
	assert.Equal(t, 2, m.Len())

	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Same(t, s1, got)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, model.SessionID("a"), list[0].ID)

	del, ok := m.Delete("a")
	require.True(t, ok)
	assert.NoError(t, del.Close())
	_, ok = m.Delete("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
	assert.NoError(t, s2.Close())
}
