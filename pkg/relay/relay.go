// Package relay turns flow events into wire frames for one HTTP response.
package relay

import (
	"context"
	"io"
	"strings"
	"sync"

	"FlowChat/pkg/flow"
	"FlowChat/pkg/metrics"
	"FlowChat/pkg/wire"
)

// Sink receives a copy of every frame, e.g. a resumable stream producer.
type Sink interface {
	Publish(ctx context.Context, frame []byte) error
	Finish(ctx context.Context, err error) error
}

type options struct {
	sink       Sink
	dedupe     bool
	onComplete func(text string, err error)
	onSinkErr  func(err error)
}

type Option func(*options)

// WithSink tees frames into s. Sink failures never fail the relay.
func WithSink(s Sink, onErr func(error)) Option {
	return func(o *options) {
		o.sink = s
		o.onSinkErr = onErr
	}
}

// WithDedupe drops a full-message or end event whose text repeats what was
// already emitted, which the flow service does after streaming tokens.
func WithDedupe() Option {
	return func(o *options) { o.dedupe = true }
}

// WithOnComplete is called once, after the frame channel is closed, with
// the concatenated emitted text and the terminal error (nil on success).
func WithOnComplete(fn func(text string, err error)) Option {
	return func(o *options) { o.onComplete = fn }
}

// Stream is a lazy, finite, non-restartable sequence of frames.
type Stream struct {
	opts   options
	frames chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	err       error
	text      strings.Builder
}

// Start begins pulling from src. The frame channel is unbuffered, so frames
// are produced only as fast as the consumer takes them. src is closed
// exactly once, when the stream ends or is cancelled.
func Start(ctx context.Context, src flow.Source, opts ...Option) *Stream {
	s := &Stream{
		frames: make(chan []byte),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(&s.opts)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx, src)
	return s
}

// Frames returns the frame channel. It is closed exactly once.
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Done is closed after the frame channel is closed and all callbacks ran.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel stops the relay. No frame is delivered after Cancel returns
// unless the consumer was already receiving it.
func (s *Stream) Cancel() { s.cancel() }

// Err waits for the stream to end and returns the error that ended it:
// nil after a clean end, the context error after cancellation.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Text waits for the stream to end and returns everything emitted.
func (s *Stream) Text() string {
	<-s.done
	return s.text.String()
}

func (s *Stream) closeFrames() {
	s.closeOnce.Do(func() { close(s.frames) })
}

func (s *Stream) run(ctx context.Context, src flow.Source) {
	closeSrc := sync.OnceFunc(func() { _ = src.Close() })
	// closing the source unblocks a pending body read on cancellation
	stop := context.AfterFunc(ctx, closeSrc)

	s.err = s.pump(ctx, src)

	stop()
	closeSrc()
	s.closeFrames()
	s.cancel()

	if s.err != nil && ctx.Err() == nil {
		metrics.RelayErrors.Inc()
	}
	if s.opts.sink != nil {
		if err := s.opts.sink.Finish(context.WithoutCancel(ctx), s.err); err != nil && s.opts.onSinkErr != nil {
			s.opts.onSinkErr(err)
		}
	}
	if s.opts.onComplete != nil {
		s.opts.onComplete(s.text.String(), s.err)
	}
	close(s.done)
}

func (s *Stream) pump(ctx context.Context, src flow.Source) error {
	var tokens strings.Builder
	lastMessage := ""
	for {
		ev, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		}

		text, ok := s.extract(ev, tokens.String(), lastMessage)
		if !ok {
			continue
		}
		switch ev.Kind {
		case flow.KindToken:
			tokens.WriteString(text)
		default:
			lastMessage = text
		}

		frame := wire.EncodeText(text)
		if s.opts.sink != nil {
			if err := s.opts.sink.Publish(ctx, frame); err != nil && s.opts.onSinkErr != nil {
				s.opts.onSinkErr(err)
			}
		}
		select {
		case s.frames <- frame:
			s.text.WriteString(text)
			metrics.FramesRelayed.Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// extract applies the per-kind emission rules.
func (s *Stream) extract(ev flow.Event, tokens, lastMessage string) (string, bool) {
	switch ev.Kind {
	case flow.KindToken:
		return ev.Text, ev.Text != ""
	case flow.KindAssistantMessage, flow.KindTerminal:
		if !ev.HasText || strings.TrimSpace(ev.Text) == "" {
			return "", false
		}
		if s.opts.dedupe && (ev.Text == lastMessage || (tokens != "" && strings.TrimSpace(ev.Text) == strings.TrimSpace(tokens))) {
			return "", false
		}
		return ev.Text, true
	default:
		return "", false
	}
}
