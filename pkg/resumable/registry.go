// Package resumable lets a client that lost its connection re-attach to a
// stream that is still being produced for its session.
package resumable

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"FlowChat/models"
	"FlowChat/pkg/wire"
)

// GraceWindow bounds how old a finished assistant answer may be and still be
// replayed, and how long a finished stream is kept.
const GraceWindow = 15 * time.Second

var (
	// ErrNotFound means the session never registered a stream, or its handle expired.
	ErrNotFound = errors.New("no resumable stream for session")
	// ErrConcluded means the session's stream finished or its data expired.
	ErrConcluded = errors.New("stream already concluded")
)

// Registry maps a session to at most one resumable stream, the newest.
type Registry interface {
	Enabled() bool
	Register(ctx context.Context, sessionID string) (Producer, error)
	Resume(ctx context.Context, sessionID string) (*Replay, error)
	Close() error
}

// Producer receives the frames of one live stream. Finish is called once.
type Producer interface {
	Publish(ctx context.Context, frame []byte) error
	Finish(ctx context.Context, err error) error
}

// Replay yields the frames of a resumed stream from its start.
type Replay struct {
	frames chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func newReplay(ctx context.Context, produce func(ctx context.Context, emit func([]byte) bool) error) *Replay {
	ctx, cancel := context.WithCancel(ctx)
	r := &Replay{
		frames: make(chan []byte),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(r.done)
		defer cancel()
		defer close(r.frames)
		r.err = produce(ctx, func(f []byte) bool {
			select {
			case r.frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return r
}

// ReplayOf returns a replay of fixed frames.
func ReplayOf(frames ...[]byte) *Replay {
	return newReplay(context.Background(), func(_ context.Context, emit func([]byte) bool) error {
		for _, f := range frames {
			if !emit(f) {
				return nil
			}
		}
		return nil
	})
}

func (r *Replay) Frames() <-chan []byte { return r.frames }

// Close stops the replay and waits for it to wind down.
func (r *Replay) Close() {
	r.cancel()
	<-r.done
}

// Err is valid after Frames is closed.
func (r *Replay) Err() error {
	<-r.done
	return r.err
}

// Fallback builds the replay for a stream that is no longer live: the most
// recent message when it is an assistant answer no older than GraceWindow,
// otherwise nothing.
func Fallback(latest *models.Message, requestedAt time.Time) ([]byte, error) {
	if latest == nil || latest.Role() != models.RoleAssistant {
		return nil, nil
	}
	if requestedAt.Sub(latest.Time()) > GraceWindow {
		return nil, nil
	}
	msg, err := json.Marshal(latest.ToUI())
	if err != nil {
		return nil, err
	}
	return wire.EncodeData(map[string]string{
		"type":    "append-message",
		"message": string(msg),
	})
}

type disabled struct{}

// Disabled is the registry used when no Redis is configured.
func Disabled() Registry { return disabled{} }

func (disabled) Enabled() bool { return false }

func (disabled) Register(context.Context, string) (Producer, error) { return nopProducer{}, nil }

func (disabled) Resume(context.Context, string) (*Replay, error) { return nil, ErrNotFound }

func (disabled) Close() error { return nil }

type nopProducer struct{}

func (nopProducer) Publish(context.Context, []byte) error { return nil }

func (nopProducer) Finish(context.Context, error) error { return nil }

// onceProducer guards Finish.
type onceProducer struct {
	Producer
	once sync.Once
	err  error
}

func (p *onceProducer) Finish(ctx context.Context, err error) error {
	p.once.Do(func() { p.err = p.Producer.Finish(ctx, err) })
	return p.err
}
