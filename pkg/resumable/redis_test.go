package resumable

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REDIS_TEST_URL, e.g. redis://localhost:6379/15.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	r, err := NewRedis(context.Background(), url, zerolog.Nop())
	require.NoError(t, err)
	r.Block = 100 * time.Millisecond
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisUnknownSession(t *testing.T) {
	r := newTestRedis(t)
	_, err := r.Resume(context.Background(), "missing-"+ulid.Make().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisLiveResume(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	session := "s-" + ulid.Make().String()

	p, err := r.Register(ctx, session)
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, []byte("0:\"a\"\n")))

	rp, err := r.Resume(ctx, session)
	require.NoError(t, err)

	first := <-rp.Frames()
	assert.Equal(t, "0:\"a\"\n", string(first))

	require.NoError(t, p.Publish(ctx, []byte("0:\"b\"\n")))
	require.NoError(t, p.Finish(ctx, nil))

	var rest []string
	for f := range rp.Frames() {
		rest = append(rest, string(f))
	}
	assert.Equal(t, []string{"0:\"b\"\n"}, rest)
	assert.NoError(t, rp.Err())

	_, err = r.Resume(ctx, session)
	assert.ErrorIs(t, err, ErrConcluded)
}

func TestRedisFinishWithError(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	session := "s-" + ulid.Make().String()

	p, err := r.Register(ctx, session)
	require.NoError(t, err)
	rp, err := r.Resume(ctx, session)
	require.NoError(t, err)

	require.NoError(t, p.Finish(ctx, errors.New("upstream broke")))
	var got []string
	for f := range rp.Frames() {
		got = append(got, string(f))
	}
	assert.Equal(t, []string{"3:\"upstream broke\"\n"}, got)
}

func TestRedisNewestStreamWins(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	session := "s-" + ulid.Make().String()

	old, err := r.Register(ctx, session)
	require.NoError(t, err)
	require.NoError(t, old.Publish(ctx, []byte("0:\"old\"\n")))

	cur, err := r.Register(ctx, session)
	require.NoError(t, err)
	require.NoError(t, cur.Publish(ctx, []byte("0:\"new\"\n")))

	rp, err := r.Resume(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, "0:\"new\"\n", string(<-rp.Frames()))
	rp.Close()
}

func TestRedisResumeCancel(t *testing.T) {
	r := newTestRedis(t)
	session := "s-" + ulid.Make().String()

	_, err := r.Register(context.Background(), session)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rp, err := r.Resume(ctx, session)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-rp.Frames():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("replay kept following after cancel")
	}
}
