package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FlowChat/middleware"
	"FlowChat/models"
	"FlowChat/pkg/apperr"
	"FlowChat/pkg/config"
	"FlowChat/pkg/flow"
	"FlowChat/pkg/metrics"
	"FlowChat/pkg/relay"
	"FlowChat/pkg/resumable"
	"FlowChat/pkg/store"
	utils "FlowChat/pkg/utills"
	"FlowChat/pkg/wire"
)

// FlowSender is the part of the flow client the chat handlers need.
type FlowSender interface {
	Send(ctx context.Context, sessionID, input string) (flow.Source, error)
	FlowID() string
}

// Chat serves the chat endpoints. Everything it holds is process-wide and
// shared by all requests.
type Chat struct {
	store    store.MessageStore
	flow     FlowSender
	registry resumable.Registry
	cfg      *config.Config
	log      zerolog.Logger
	now      func() time.Time
}

func NewChat(st store.MessageStore, fl FlowSender, reg resumable.Registry, cfg *config.Config, l zerolog.Logger) *Chat {
	return &Chat{
		store:    st,
		flow:     fl,
		registry: reg,
		cfg:      cfg,
		log:      l,
		now:      time.Now,
	}
}

// logger prefers the request logger set up by middleware.Logger.
func (h *Chat) logger(c *gin.Context) zerolog.Logger {
	if l := zerolog.Ctx(c.Request.Context()); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return h.log
}

type chatRequest struct {
	ID      string `json:"id"`
	Message struct {
		ID    string       `json:"id"`
		Role  string       `json:"role"`
		Parts []utils.Part `json:"parts"`
	} `json:"message"`
	SelectedChatModel      string `json:"selectedChatModel"`
	SelectedVisibilityType string `json:"selectedVisibilityType"`
}

// Post relays one user turn to the flow and streams the answer back as frames.
func (h *Chat) Post(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Wrap(apperr.KindBadRequest, err, "invalid request body"))
		return
	}
	sessionID := strings.TrimSpace(req.ID)
	if sessionID == "" {
		apperr.Respond(c, apperr.BadRequest("Failed to determine chat session ID."))
		return
	}
	text := utils.JoinTextParts(req.Message.Parts)
	if strings.TrimSpace(text) == "" {
		apperr.Respond(c, apperr.BadRequest("message text is required"))
		return
	}

	ctx := c.Request.Context()
	log := h.logger(c).With().Str("session_id", sessionID).Logger()

	release, err := middleware.AcquireSessionSlot(ctx, sessionID)
	if err != nil {
		log.Debug().Err(err).Msg("client left while waiting for a relay slot")
		return
	}
	defer release()

	prior, err := h.store.MessagesBySession(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("load prior turns")
		apperr.Respond(c, err)
		return
	}
	log.Info().
		Int("prior_turns", len(prior)).
		Str("model", req.SelectedChatModel).
		Str("visibility", req.SelectedVisibilityType).
		Str("preview", utils.Truncate(text, 30)).
		Msg("chat turn")

	if h.cfg.PersistTurns {
		user := &models.Message{
			SessionID:  sessionID,
			Sender:     "User",
			SenderName: "User",
			Text:       models.StringPtr(text),
			FlowID:     h.flow.FlowID(),
		}
		if _, err := uuid.Parse(req.Message.ID); err == nil {
			user.ID = req.Message.ID
		}
		if err := h.store.AppendMessages(ctx, user); err != nil {
			log.Error().Err(err).Msg("save user turn")
			apperr.Respond(c, err)
			return
		}
	}

	src, err := h.flow.Send(ctx, sessionID, text)
	if err != nil {
		log.Error().Err(err).Msg("flow call failed")
		apperr.Respond(c, err)
		return
	}

	opts := []relay.Option{relay.WithDedupe()}
	if h.registry.Enabled() {
		producer, err := h.registry.Register(ctx, sessionID)
		if err != nil {
			log.Warn().Err(err).Msg("stream will not be resumable")
		} else {
			opts = append(opts, relay.WithSink(producer, func(err error) {
				log.Warn().Err(err).Msg("resumable stream write failed")
			}))
		}
	}
	if h.cfg.PersistTurns {
		opts = append(opts, relay.WithOnComplete(h.saveAnswer(context.WithoutCancel(ctx), sessionID, log)))
	}

	stream := relay.Start(ctx, src, opts...)
	defer stream.Cancel()

	// an error before the first frame can still be reported with a status
	first, ok := <-stream.Frames()
	if !ok {
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("flow stream failed before any output")
			apperr.Respond(c, err)
			return
		}
	}

	startFrames(c)
	if ok {
		if !writeFrame(c, first) {
			return
		}
		for f := range stream.Frames() {
			if !writeFrame(c, f) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("flow stream failed")
		writeFrame(c, wire.EncodeError(errorText(err)))
	}
}

func (h *Chat) saveAnswer(ctx context.Context, sessionID string, log zerolog.Logger) func(string, error) {
	return func(text string, err error) {
		if strings.TrimSpace(text) == "" {
			return
		}
		answer := &models.Message{
			SessionID:  sessionID,
			Sender:     "Machine",
			SenderName: "AI",
			Text:       models.StringPtr(text),
			FlowID:     h.flow.FlowID(),
		}
		if err != nil {
			answer.Properties = []byte(`{"state":"partial"}`)
		}
		if serr := h.store.AppendMessages(ctx, answer); serr != nil {
			log.Error().Err(serr).Msg("save assistant turn")
		}
	}
}

func errorText(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

func startFrames(c *gin.Context) {
	c.Header("Content-Type", wire.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
}

// writeFrame writes and flushes one frame; false means the client is gone.
func writeFrame(c *gin.Context, f []byte) bool {
	if _, err := c.Writer.Write(f); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// openResume resolves a resume request to the frames to send: the live
// stream, the fallback answer, or nothing.
func (h *Chat) openResume(ctx context.Context, sessionID string, requestedAt time.Time) (*resumable.Replay, error) {
	replay, err := h.registry.Resume(ctx, sessionID)
	switch {
	case err == nil:
		metrics.ResumeOutcomes.WithLabelValues("live").Inc()
		return replay, nil
	case errors.Is(err, resumable.ErrNotFound):
		metrics.ResumeOutcomes.WithLabelValues("not_found").Inc()
		return nil, apperr.Wrap(apperr.KindNotFound, err, "No resumable stream for this chat.")
	case errors.Is(err, resumable.ErrConcluded):
	default:
		return nil, apperr.Wrap(apperr.KindInternal, err, "stream lookup failed")
	}

	latest, err := h.store.LatestMessage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	frame, err := resumable.Fallback(latest, requestedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "encode replay")
	}
	if frame == nil {
		metrics.ResumeOutcomes.WithLabelValues("empty").Inc()
		return resumable.ReplayOf(), nil
	}
	metrics.ResumeOutcomes.WithLabelValues("replayed").Inc()
	return resumable.ReplayOf(frame), nil
}

// Resume re-attaches a client to the session's newest stream.
func (h *Chat) Resume(c *gin.Context) {
	requestedAt := h.now()
	if !h.registry.Enabled() {
		metrics.ResumeOutcomes.WithLabelValues("disabled").Inc()
		c.Status(http.StatusNoContent)
		return
	}
	sessionID := strings.TrimSpace(c.Query("chatId"))
	if sessionID == "" {
		apperr.Respond(c, apperr.BadRequest("chatId is required"))
		return
	}

	replay, err := h.openResume(c.Request.Context(), sessionID, requestedAt)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			l := h.logger(c)
			l.Error().Err(err).Str("session_id", sessionID).Msg("resume failed")
		}
		apperr.Respond(c, err)
		return
	}
	defer replay.Close()

	startFrames(c)
	for f := range replay.Frames() {
		if !writeFrame(c, f) {
			return
		}
	}
	if err := replay.Err(); err != nil {
		l := h.logger(c)
		l.Error().Err(err).Str("session_id", sessionID).Msg("resumed stream failed")
		writeFrame(c, wire.EncodeError("stream interrupted"))
	}
}

// Delete handles DELETE /api/chat?id=.
func (h *Chat) Delete(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		apperr.Respond(c, apperr.BadRequest("id is required"))
		return
	}
	if h.cfg.DeleteMode != config.DeleteModePurge {
		l := h.logger(c)
		l.Info().Str("session_id", id).Msg("delete requested, no operation performed")
		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Chat deletion for session %s not fully implemented. No messages deleted.", id),
			"deleted": 0,
		})
		return
	}
	n, err := h.store.DeleteBySession(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Deleted %d messages for session %s.", n, id),
		"deleted": n,
	})
}

// Messages lists a session's turns in the shape the chat page renders.
func (h *Chat) Messages(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	msgs, err := h.store.MessagesBySession(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":  id,
		"messages": models.ToUIMessages(msgs),
	})
}

// DeleteTrailing removes a message and everything after it in its session.
func (h *Chat) DeleteTrailing(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := h.store.MessageByID(ctx, c.Param("messageId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	n, err := h.store.DeleteBySessionFrom(ctx, m.SessionID, m.Timestamp)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": m.SessionID, "deleted": n})
}

// History pages through sessions, newest first.
func (h *Chat) History(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	rows, more, err := h.store.ListSessions(c.Request.Context(), store.SessionPage{
		Limit:         limit,
		StartingAfter: c.Query("starting_after"),
		EndingBefore:  c.Query("ending_before"),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if rows == nil {
		rows = []store.SessionSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": rows, "hasMore": more})
}

// Health reports whether the database answers.
func (h *Chat) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "store": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "resumable": h.registry.Enabled()})
}
