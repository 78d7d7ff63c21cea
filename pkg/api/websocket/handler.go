package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/aescanero/alignflow/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventTypeSnapshot is the first message on every stream. Its data holds
// the run report as it was when the client connected.
const EventTypeSnapshot domain.EventType = "run.snapshot"

const (
	writeWait    = 10 * time.Second
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ReportSource looks up run reports
type ReportSource interface {
	GetReport(ctx context.Context, runID string) (*domain.Report, error)
}

// Handler streams run and stage events to WebSocket clients. It
// subscribes to the event bus once and fans events out by run id.
type Handler struct {
	eventBus ports.EventBus
	reports  ReportSource
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[chan domain.Event]struct{}
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, reports ReportSource, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		reports:  reports,
		logger:   logger,
		clients:  make(map[string]map[chan domain.Event]struct{}),
	}
}

// Start subscribes to run and stage events until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	for _, topic := range []string{domain.TopicRunEvents, domain.TopicStageEvents} {
		if err := h.eventBus.Subscribe(ctx, topic, h.dispatch); err != nil {
			return err
		}
	}
	return nil
}

// dispatch forwards an event to the clients watching its run. Slow
// clients lose events rather than block the bus.
func (h *Handler) dispatch(ctx context.Context, event domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients[event.RunID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("client buffer full, dropping event",
				zap.String("run_id", event.RunID),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

func (h *Handler) register(runID string) chan domain.Event {
	ch := make(chan domain.Event, clientBuffer)
	h.mu.Lock()
	if h.clients[runID] == nil {
		h.clients[runID] = make(map[chan domain.Event]struct{})
	}
	h.clients[runID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Handler) unregister(runID string, ch chan domain.Event) {
	h.mu.Lock()
	delete(h.clients[runID], ch)
	if len(h.clients[runID]) == 0 {
		delete(h.clients, runID)
	}
	h.mu.Unlock()
}

// HandleRunStream streams the events of one run. The connection is
// closed after the run's terminal event.
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	// Register before reading the snapshot. An event published in between
	// is buffered and replayed after the snapshot instead of being lost.
	events := h.register(runID)
	defer h.unregister(runID, events)

	report, err := h.reports.GetReport(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "run not found"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("run_id", runID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// drain client frames so close and ping control messages are handled
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := domain.Event{
		ID:        uuid.New().String(),
		Type:      EventTypeSnapshot,
		RunID:     runID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"report": report},
	}
	if err := writeEvent(conn, snapshot); err != nil {
		h.logger.Debug("failed to write snapshot", zap.Error(err))
		return
	}
	if report.Status.IsTerminal() {
		closeNormally(conn)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := writeEvent(conn, event); err != nil {
				h.logger.Debug("failed to write event", zap.String("run_id", runID), zap.Error(err))
				return
			}
			if isTerminal(event.Type) {
				closeNormally(conn)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event domain.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(event)
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func isTerminal(t domain.EventType) bool {
	switch t {
	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCancelled:
		return true
	}
	return false
}
