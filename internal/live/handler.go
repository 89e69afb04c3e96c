// Package live serves the presentation channel: a websocket per browser tab
// that drives one deliberation session with commands and streams the
// orchestrator's events back as JSON.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/magi/internal/api"
	"github.com/ashureev/magi/internal/completion"
	"github.com/ashureev/magi/internal/deliberation"
	"github.com/ashureev/magi/internal/event"
	"github.com/ashureev/magi/internal/identity"
	"github.com/ashureev/magi/internal/logging"
	"github.com/ashureev/magi/internal/metrics"
	"github.com/ashureev/magi/internal/middleware"
	"github.com/ashureev/magi/internal/ratelimit"
	"github.com/coder/websocket"
)

const (
	readLimit    = 64 * 1024
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// Outbound message types that do not mirror a bus event.
const (
	TypeReady    = "session.ready"
	TypeUpdated  = "session.updated"
	TypeFinished = "deliberation.finished"
	TypeError    = "error"
	TypePong     = "pong"
)

// Inbound command types.
const (
	CmdSubmit  = "submit"
	CmdProceed = "proceed"
	CmdReset   = "reset"
	CmdToggle  = "toggle"
	CmdPersona = "persona"
	CmdPing    = "ping"
)

// command is a client to server message.
type command struct {
	Type       string `json:"type"`
	Topic      string `json:"topic,omitempty"`
	Discussion bool   `json:"discussion,omitempty"`
	AgentID    int    `json:"agentId,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	PersonaID  string `json:"personaId,omitempty"`
}

// Message is a server to client message. Data holds the event or snapshot.
type Message struct {
	Type  string    `json:"type"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
	Code  string    `json:"code,omitempty"`
}

// Summary reports how a submitted topic ended.
type Summary struct {
	SessionID      string                        `json:"sessionId"`
	Topic          string                        `json:"topic"`
	Outcome        deliberation.Outcome          `json:"outcome"`
	HistoryID      string                        `json:"historyId,omitempty"`
	Consensus      *deliberation.ConsensusReport `json:"consensus,omitempty"`
	ConsensusError bool                          `json:"consensusError,omitempty"`
	PersistError   bool                          `json:"persistError,omitempty"`
}

// Options configure a Handler.
type Options struct {
	Policy     middleware.OriginPolicy
	AgentCount int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Handler upgrades /ws/deliberate connections.
type Handler struct {
	orch     *deliberation.Orchestrator
	registry *Registry
	opts     Options
	logger   *slog.Logger
}

// RateLimited is the Data of a "rate_limited" error message.
type RateLimited struct {
	Phase   deliberation.Phase `json:"phase"`
	RetryAt time.Time          `json:"retryAt"`
}

// NewHandler creates a live handler. orch must publish on a non-nil bus. Its
// analyzer should charge calls to the ratelimit.Caller in the context, as
// gateway.LimitedAnalyzer does; every run is tagged with the client's IP.
func NewHandler(orch *deliberation.Orchestrator, registry *Registry, opts Options) *Handler {
	if opts.AgentCount <= 0 {
		opts.AgentCount = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, registry: registry, opts: opts, logger: logger}
}

// client is one connected tab and the session it drives.
type client struct {
	ws      *websocket.Conn
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan []byte
	session *deliberation.Session
	gate    *deliberation.ManualGate
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.opts.Policy.Admits(origin) {
		h.logger.Warn("Live origin rejected", "origin", origin)
		api.Error(w, http.StatusForbidden, "Origin not allowed")
		return
	}

	tabID := identity.SessionIDFromContext(r.Context())
	if tabID == "" {
		id, err := identity.NewSessionID()
		if err != nil {
			api.Error(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		tabID = id
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The origin policy above has already been applied.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept websocket", "error", err, "tab_id", tabID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "tab_id", tabID)
		}
	}()

	h.registry.Register(tabID, ws)
	defer h.registry.Unregister(tabID, ws)
	h.opts.Metrics.RecordLiveConnect()
	defer h.opts.Metrics.RecordLiveDisconnect()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := deliberation.NewSession(h.opts.AgentCount)
	c := &client{
		ws:      ws,
		key:     identity.ClientIP(r),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan []byte, sendBuffer),
		session: session,
		gate:    deliberation.NewManualGate(),
		metrics: h.opts.Metrics,
		logger:  logging.WithSession(h.logger, session.ID).With("tab_id", tabID),
	}

	bus := h.orch.Bus()
	subID := bus.SubscribeAll(func(e event.Event) {
		if e.Source() == session.ID {
			c.send(Message{Type: e.EventType(), At: e.Timestamp(), Data: e})
		}
	})
	defer func() {
		bus.Unsubscribe(subID)
		c.gate.Close()
		// Orphan any run still waiting on upstream calls.
		session.Reset()
	}()

	c.logger.Info("Live session started")
	go c.writeLoop()

	c.send(Message{Type: TypeReady, At: time.Now(), Data: session.Snapshot()})
	h.readLoop(c)

	c.logger.Info("Live session ended")
}

func (h *Handler) readLoop(c *client) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				c.logger.Debug("Websocket closed by client")
			} else {
				c.logger.Warn("Websocket read error", "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendError("invalid_command", "command must be a JSON object")
			continue
		}
		c.metrics.RecordLiveMessage(cmd.Type, "in")
		h.dispatch(c, cmd)
	}
}

func (h *Handler) dispatch(c *client, cmd command) {
	switch cmd.Type {
	case CmdSubmit:
		go h.run(c, cmd.Topic, cmd.Discussion)
	case CmdProceed:
		if err := c.gate.Proceed(); err != nil {
			c.sendErr(err)
		}
	case CmdReset:
		h.orch.Reset(c.session)
	case CmdToggle:
		if cmd.Enabled == nil {
			c.sendError("invalid_command", "toggle requires enabled")
			return
		}
		if err := c.session.SetEnabled(cmd.AgentID, *cmd.Enabled); err != nil {
			c.sendErr(err)
			return
		}
		c.send(Message{Type: TypeUpdated, At: time.Now(), Data: c.session.Snapshot()})
	case CmdPersona:
		if err := c.session.SetPersona(cmd.AgentID, cmd.PersonaID); err != nil {
			c.sendErr(err)
			return
		}
		c.send(Message{Type: TypeUpdated, At: time.Now(), Data: c.session.Snapshot()})
	case CmdPing:
		c.send(Message{Type: TypePong, At: time.Now()})
	default:
		c.sendError("unknown_command", "unknown command type")
	}
}

// run drives one submitted topic to completion on its own goroutine.
func (h *Handler) run(c *client, topic string, discussion bool) {
	ctx := ratelimit.WithCaller(c.ctx, ratelimit.Caller{Key: c.key, OnDenied: c.deniedNotifier()})

	var (
		res *deliberation.Result
		err error
	)
	if discussion {
		res, err = h.orch.Deliberate(ctx, c.session, topic, c.gate)
	} else {
		res, err = h.orch.Analyze(ctx, c.session, topic)
	}

	if res != nil && res.Outcome != "" {
		c.send(Message{Type: TypeFinished, At: time.Now(), Data: summarize(res)})
	}
	if err == nil {
		return
	}
	if deliberation.IsStale(err) || c.ctx.Err() != nil {
		c.logger.Debug("Deliberation abandoned", "error", err)
		return
	}
	c.sendErr(err)
}

// deniedNotifier reports rate limit denials of one run, once per phase. The
// denied agents themselves settle as ERROR verdicts.
func (c *client) deniedNotifier() func(ratelimit.Result) {
	var (
		mu       sync.Mutex
		notified = make(map[deliberation.Phase]bool)
	)
	return func(res ratelimit.Result) {
		phase := c.session.Snapshot().Phase
		mu.Lock()
		seen := notified[phase]
		notified[phase] = true
		mu.Unlock()
		if seen {
			return
		}
		c.logger.Info("Live run rate limited", "phase", phase, "client", c.key)
		c.send(Message{
			Type:  TypeError,
			At:    time.Now(),
			Code:  "rate_limited",
			Error: "too many requests",
			Data:  RateLimited{Phase: phase, RetryAt: res.Reset},
		})
	}
}

func summarize(res *deliberation.Result) Summary {
	return Summary{
		SessionID:      res.SessionID,
		Topic:          res.Topic,
		Outcome:        res.Outcome,
		HistoryID:      res.HistoryID,
		Consensus:      res.Consensus,
		ConsensusError: res.ConsensusErr != nil,
		PersistError:   res.PersistErr != nil,
	}
}

// send queues msg for the writer, giving up once the connection is gone.
func (c *client) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to encode live message", "error", err, "type", msg.Type)
		return
	}
	select {
	case c.out <- data:
		c.metrics.RecordLiveMessage(msg.Type, "out")
	case <-c.ctx.Done():
	}
}

func (c *client) sendError(code, text string) {
	c.send(Message{Type: TypeError, At: time.Now(), Code: code, Error: text})
}

// sendErr maps a session error onto a stable code.
func (c *client) sendErr(err error) {
	code, text := errorCode(err)
	if code == "internal" {
		c.logger.Error("Live command failed", "error", err)
	}
	c.sendError(code, text)
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, deliberation.ErrSessionBusy):
		return "busy", "a deliberation is already running"
	case errors.Is(err, deliberation.ErrEmptyTopic):
		return "empty_topic", "topic must not be empty"
	case errors.Is(err, deliberation.ErrNoEnabledAgents):
		return "no_enabled_agents", "enable at least one agent"
	case errors.Is(err, deliberation.ErrNotAwaiting):
		return "not_awaiting", "nothing is waiting to proceed"
	case errors.Is(err, deliberation.ErrUnknownAgent):
		return "unknown_agent", "unknown agent"
	case errors.Is(err, deliberation.ErrUnknownPersona):
		return "unknown_persona", "unknown persona"
	case errors.Is(err, completion.ErrRateLimited):
		return "rate_limited", "too many requests"
	default:
		return "internal", "internal error"
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("Websocket write error", "error", err)
				c.cancel()
				return
			}
		}
	}
}
