package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarcore/internal/broadcast"
	"github.com/ent0n29/avatarcore/internal/jobs"
	"github.com/ent0n29/avatarcore/internal/orchestrator"
	"github.com/ent0n29/avatarcore/internal/protocol"
	"github.com/ent0n29/avatarcore/internal/session"
)

const (
	wsOutboundBuffer = 256
	wsReadLimit      = 8 << 20
	wsReadTimeout    = 120 * time.Second
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
)

// wsConn is one duplex client. It owns the scopes it listens to and removes
// its sessions when the socket closes.
type wsConn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan protocol.Frame

	mu       sync.Mutex
	scopes   map[string]func()
	handlers sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:     uuid.NewString(),
		srv:    s,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan protocol.Frame, wsOutboundBuffer),
		scopes: make(map[string]func()),
	}
	s.logger.Debug("websocket connected", "conn_id", c.id, "remote", r.RemoteAddr)
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	cancel()
	c.handlers.Wait()
	ended := s.engine.EndConnection(c.id)
	c.unsubscribeAll()
	<-writerDone
	s.logger.Debug("websocket disconnected", "conn_id", c.id, "sessions_ended", len(ended))
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

func (c *wsConn) readLoop() {
	c.ws.SetReadLimit(wsReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.srv.countWS("inbound", "invalid")
			c.sendError(err, "", "")
			continue
		}
		// Each event is handled on its own goroutine so a slow reply does not
		// hold up streamed audio on the same socket.
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			c.dispatch(parsed)
		}()
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.srv.logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
				c.cancel()
				_ = c.ws.Close()
				return
			}
			c.srv.countWS("outbound", frame.Type)
		}
	}
}

func (c *wsConn) send(typ protocol.MessageType, payload any) {
	select {
	case c.out <- protocol.Frame{Type: typ, Payload: payload}:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) sendError(err error, sessionID, jobID string) {
	f := classify(err)
	if f.status >= http.StatusInternalServerError {
		c.srv.logger.Error("websocket event failed", "conn_id", c.id, "error", err)
	}
	c.send(protocol.TypeError, protocol.ErrorEvent{
		Message:   f.message,
		Code:      f.code,
		SessionID: sessionID,
		JobID:     jobID,
	})
}

// subscribe forwards scope events to the socket until the scope reaches a
// terminal event or the connection closes.
func (c *wsConn) subscribe(scope string, terminal ...string) {
	events, ok := c.register(scope)
	if !ok {
		return
	}
	go c.forward(scope, events, nil, terminal)
}

// register opens a subscription for scope unless one is already active.
func (c *wsConn) register(scope string) (<-chan broadcast.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.scopes[scope]; ok || c.ctx.Err() != nil {
		return nil, false
	}
	events, cancel := c.srv.engine.Subscribe(scope)
	c.scopes[scope] = cancel
	return events, true
}

// forward relays events until a terminal one. Events still buffered behind
// the terminal event are dropped.
func (c *wsConn) forward(scope string, events <-chan broadcast.Event, skip func(broadcast.Event) bool, terminal []string) {
	for evt := range events {
		if skip != nil && skip(evt) {
			continue
		}
		c.send(protocol.MessageType(evt.Type), evt.Payload)
		if isTerminal(evt, terminal) {
			c.unsubscribe(scope)
			return
		}
	}
}

func isTerminal(evt broadcast.Event, terminal []string) bool {
	for _, t := range terminal {
		if evt.Type == t {
			return true
		}
	}
	return false
}

func (c *wsConn) unsubscribe(scope string) {
	c.mu.Lock()
	cancel := c.scopes[scope]
	delete(c.scopes, scope)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *wsConn) unsubscribeAll() {
	c.mu.Lock()
	cancels := make([]func(), 0, len(c.scopes))
	for scope, cancel := range c.scopes {
		cancels = append(cancels, cancel)
		delete(c.scopes, scope)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *wsConn) watchSession(sessionID string) {
	c.subscribe(sessionID, session.EventSessionEnded)
}

func (c *wsConn) watchJob(jobID string) {
	c.subscribe(jobID, jobs.EventJobCompleted, jobs.EventJobFailed)
}

// reportJob sends the job's current snapshot and, for a running job, the
// events that follow it. The subscription opens before the snapshot is read.
// Forwarded progress below the snapshot is skipped.
func (c *wsConn) reportJob(jobID string) {
	events, subscribed := c.register(jobID)
	job, err := c.srv.engine.JobProgress(jobID)
	if err != nil {
		if subscribed {
			c.unsubscribe(jobID)
		}
		c.send(protocol.TypeJobNotFound, protocol.JobRef{JobID: jobID})
		return
	}
	c.send(protocol.TypeJobProgress, job)
	if !subscribed {
		return
	}
	if job.Terminal() {
		c.unsubscribe(jobID)
		return
	}
	floor := job.Progress
	skip := func(evt broadcast.Event) bool {
		p, ok := evt.Payload.(jobs.Progress)
		return ok && evt.Type == jobs.EventJobProgress && p.Progress < floor
	}
	go c.forward(jobID, events, skip, []string{jobs.EventJobCompleted, jobs.EventJobFailed})
}

func (c *wsConn) dispatch(msg any) {
	ctx := c.ctx
	switch m := msg.(type) {
	case protocol.StartSession:
		c.srv.countWS("inbound", protocol.TypeStartSession)
		_, err := c.srv.engine.StartSession(ctx, orchestrator.StartSessionRequest{
			UserID:   m.UserID,
			AvatarID: m.AvatarID,
			Priority: m.Priority,
			Message:  m.Message,
			ConnID:   c.id,
			OnStarted: func(started orchestrator.SessionStarted) {
				c.watchSession(started.SessionID)
				c.send(protocol.TypeSessionStarted, started)
			},
		})
		if err != nil {
			c.sendError(err, "", "")
		}

	case protocol.ClientMessage:
		c.srv.countWS("inbound", protocol.TypeMessage)
		_, err := c.srv.engine.HandleMessage(ctx, orchestrator.MessageRequest{
			SessionID:   m.SessionID,
			Content:     m.Content,
			ContentType: m.ContentType,
			Priority:    m.Priority,
		})
		if err != nil && !errors.Is(err, orchestrator.ErrSessionEnded) {
			c.sendError(err, m.SessionID, "")
		}

	case protocol.StreamAudio:
		c.srv.countWS("inbound", protocol.TypeStreamAudio)
		err := c.srv.engine.StreamAudio(ctx, orchestrator.StreamAudioRequest{
			SessionID:  m.SessionID,
			AudioChunk: m.AudioChunk,
			Sequence:   m.Sequence,
		})
		if err != nil {
			c.sendError(err, m.SessionID, "")
		}

	case protocol.EndSession:
		c.srv.countWS("inbound", protocol.TypeEndSession)
		if err := c.srv.engine.EndSession(m.SessionID); err != nil {
			c.sendError(err, m.SessionID, "")
		}

	case protocol.JobRef:
		c.srv.countWS("inbound", protocol.TypeGetJobProgress)
		c.reportJob(m.JobID)

	case protocol.GenerateVideo:
		c.srv.countWS("inbound", protocol.TypeGenerateVideo)
		_, err := c.srv.engine.StartVideo(ctx, orchestrator.VideoRequest{
			OwnerID: m.OwnerID,
			Script:  m.Script,
			Avatar:  orchestrator.VideoAvatar{Name: m.Avatar.Name, VoiceID: m.Avatar.VoiceID},
			Video: orchestrator.VideoSettings{
				Language:    m.Video.Language,
				SpeechSpeed: m.Video.SpeechSpeed,
				Resolution:  m.Video.Resolution,
			},
			OnAccepted: func(ticket orchestrator.JobTicket) {
				c.watchJob(ticket.JobID)
				c.send(protocol.TypeVideoAccepted, ticket)
			},
		})
		if err != nil {
			c.sendError(err, "", "")
		}

	case protocol.GetLikenessModel:
		c.srv.countWS("inbound", protocol.TypeGetLikenessModel)
		result := orchestrator.LikenessModelResult{UserID: m.UserID}
		if model, err := c.srv.engine.LikenessModel(m.UserID); err == nil {
			result.Model = &model
		} else {
			result.Error = "Likeness model not found"
		}
		c.send(protocol.TypeLikenessModel, result)

	case protocol.GetVoiceClone:
		c.srv.countWS("inbound", protocol.TypeGetVoiceClone)
		result := orchestrator.VoiceCloneResult{UserID: m.UserID}
		if clone, err := c.srv.engine.VoiceClone(m.UserID); err == nil {
			result.VoiceClone = &clone
		} else {
			result.Error = "Voice clone not found"
		}
		c.send(protocol.TypeVoiceClone, result)

	case protocol.TestClonedVoice:
		c.srv.countWS("inbound", protocol.TypeTestClonedVoice)
		result, err := c.srv.engine.TestClonedVoice(ctx, m.UserID, m.Text)
		if err != nil {
			c.sendError(err, "", "")
			return
		}
		c.send(protocol.TypeVoiceTestResult, result)

	case protocol.GetPerformanceMetrics:
		c.srv.countWS("inbound", protocol.TypeGetPerformanceMetrics)
		c.send(protocol.TypePerformanceMetrics, c.srv.engine.PerformanceSnapshot())
	}
}
