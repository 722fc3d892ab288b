package resumable

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"FlowChat/pkg/logger"
	"FlowChat/pkg/metrics"
	"FlowChat/pkg/wire"
)

const (
	sessionKeyPrefix = "flowchat:session:"
	topicPrefix      = "flowchat:stream:"
	sessionTTL       = 24 * time.Hour

	kindKey   = "kind"
	kindStart = "start"
	kindFrame = "frame"
	kindDone  = "done"
	errorKey  = "error"
)

// Redis keeps each stream in a Redis stream. Frames go in through the
// watermill publisher, and resumers read the entries back with XRANGE and XREAD.
type Redis struct {
	client       *redis.Client
	pub          message.Publisher
	unmarshaller rstream.Unmarshaller
	log          zerolog.Logger

	// Block is how long one XREAD waits; cancellation is noticed between reads.
	Block time.Duration
	// Idle ends a follow when no entry arrived for this long.
	Idle time.Duration
}

func NewRedis(ctx context.Context, url string, l zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	marshaller := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, logger.Watermill(l.With().Str("component", "resumable").Logger()))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create stream publisher")
	}
	return &Redis{
		client:       client,
		pub:          pub,
		unmarshaller: marshaller,
		log:          l,
		Block:        time.Second,
		Idle:         2 * time.Minute,
	}, nil
}

func (r *Redis) Enabled() bool { return true }

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID + ":stream" }

func observe(start time.Time) { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }

func (r *Redis) publish(topic, kind string, payload []byte, meta map[string]string) error {
	defer observe(time.Now())
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(kindKey, kind)
	for k, v := range meta {
		msg.Metadata.Set(k, v)
	}
	return r.pub.Publish(topic, msg)
}

// Register starts a new stream for the session, replacing any earlier handle.
func (r *Redis) Register(ctx context.Context, sessionID string) (Producer, error) {
	topic := topicPrefix + ulid.Make().String()
	if err := r.publish(topic, kindStart, nil, map[string]string{"session_id": sessionID}); err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	start := time.Now()
	pipe := r.client.TxPipeline()
	pipe.Expire(ctx, topic, sessionTTL)
	pipe.Set(ctx, sessionKey(sessionID), topic, sessionTTL)
	_, err := pipe.Exec(ctx)
	observe(start)
	if err != nil {
		return nil, errors.Wrap(err, "store stream handle")
	}
	r.log.Debug().Str("session_id", sessionID).Str("topic", topic).Msg("stream registered")
	return &onceProducer{Producer: &redisProducer{r: r, topic: topic}}, nil
}

type redisProducer struct {
	r     *Redis
	topic string
}

func (p *redisProducer) Publish(_ context.Context, frame []byte) error {
	return errors.Wrap(p.r.publish(p.topic, kindFrame, frame, nil), "publish frame")
}

// Finish writes the done marker and lets the stream expire after GraceWindow.
func (p *redisProducer) Finish(ctx context.Context, cause error) error {
	meta := map[string]string{}
	if cause != nil && !errors.Is(cause, context.Canceled) {
		meta[errorKey] = cause.Error()
	}
	if err := p.r.publish(p.topic, kindDone, nil, meta); err != nil {
		return errors.Wrap(err, "publish done marker")
	}
	defer observe(time.Now())
	return errors.Wrap(p.r.client.Expire(ctx, p.topic, GraceWindow).Err(), "expire stream")
}

type entry struct {
	id    string
	kind  string
	frame []byte
	err   string
}

func (r *Redis) decode(m redis.XMessage) (entry, error) {
	msg, err := r.unmarshaller.Unmarshal(m.Values)
	if err != nil {
		return entry{}, errors.Wrapf(err, "decode stream entry %s", m.ID)
	}
	return entry{
		id:    m.ID,
		kind:  msg.Metadata.Get(kindKey),
		frame: msg.Payload,
		err:   msg.Metadata.Get(errorKey),
	}, nil
}

// Resume replays the session's live stream from its first frame and follows
// it until the done marker.
func (r *Redis) Resume(ctx context.Context, sessionID string) (*Replay, error) {
	start := time.Now()
	topic, err := r.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load stream handle")
	}
	msgs, err := r.client.XRange(ctx, topic, "-", "+").Result()
	observe(start)
	if err != nil {
		return nil, errors.Wrap(err, "read stream")
	}
	if len(msgs) == 0 {
		return nil, ErrConcluded
	}

	backlog := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := r.decode(m)
		if err != nil {
			return nil, err
		}
		backlog = append(backlog, e)
	}
	if backlog[len(backlog)-1].kind == kindDone {
		return nil, ErrConcluded
	}

	return newReplay(ctx, func(ctx context.Context, emit func([]byte) bool) error {
		return r.follow(ctx, topic, backlog, emit)
	}), nil
}

func (r *Redis) follow(ctx context.Context, topic string, backlog []entry, emit func([]byte) bool) error {
	lastID := "0"
	for _, e := range backlog {
		lastID = e.id
		if e.kind == kindFrame && !emit(e.frame) {
			return nil
		}
	}

	idleSince := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{topic, lastID},
			Count:   100,
			Block:   r.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if n, xerr := r.client.Exists(ctx, topic).Result(); xerr == nil && n == 0 {
				return nil
			}
			if time.Since(idleSince) > r.Idle {
				r.log.Warn().Str("topic", topic).Msg("stream went idle without a done marker")
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "follow stream")
		}
		idleSince = time.Now()
		for _, s := range res {
			for _, m := range s.Messages {
				e, err := r.decode(m)
				if err != nil {
					return err
				}
				lastID = e.id
				switch e.kind {
				case kindDone:
					if e.err != "" {
						emit(wire.EncodeError(e.err))
					}
					return nil
				case kindFrame:
					if !emit(e.frame) {
						return nil
					}
				}
			}
		}
	}
}

func (r *Redis) Close() error {
	perr := r.pub.Close()
	cerr := r.client.Close()
	if perr != nil {
		return errors.Wrap(perr, "close stream publisher")
	}
	return errors.Wrap(cerr, "close redis")
}
