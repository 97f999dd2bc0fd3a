package observer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/metrics"
)

// Event is one typed message pushed to an attached observer.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event types delivered on the push channel.
const (
	EventStatus     = "status"
	EventTranscript = "transcript"
	EventAudio      = "audio"
	EventIVR        = "ivr"
	EventError      = "error"
)

// Snapshot is the pull-model response for one call.
type Snapshot struct {
	Status     callrecord.Status              `json:"status"`
	Transcript []callrecord.TranscriptSegment `json:"transcript"`
	Duration   int                            `json:"duration,omitempty"`
	StartTime  *time.Time                     `json:"startTime,omitempty"`
	EndTime    *time.Time                     `json:"endTime,omitempty"`
}

// upgrader configures observer websocket connections.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub manages one observer connection per call. A second attach for the same
// call replaces the first. Observers never influence the call itself:
// disconnecting only stops delivery.
type Hub struct {
	logger *logrus.Logger
	store  callrecord.Store

	mutex     sync.RWMutex
	observers map[string]*connection
}

type connection struct {
	callID string
	conn   *websocket.Conn

	// sendMu orders enqueue against close: a publisher holds a reference to
	// the connection after the hub lock is released, so the channel must not
	// be closed while a send is in flight.
	sendMu sync.Mutex
	closed bool
	send   chan []byte
}

// NewHub creates an observer hub backed by the given store for late-attach
// snapshots.
func NewHub(logger *logrus.Logger, store callrecord.Store) *Hub {
	return &Hub{
		logger:    logger,
		store:     store,
		observers: make(map[string]*connection),
	}
}

// Attach upgrades the request and registers the connection as the call's
// observer. The current snapshot is delivered first so a late attach does not
// lose status or transcript history; only live audio is unreplayable.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, callID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade observer connection")
		return
	}

	c := &connection{
		callID: callID,
		conn:   ws,
		send:   make(chan []byte, 256),
	}

	h.mutex.Lock()
	if old, ok := h.observers[callID]; ok {
		old.close()
	}
	h.observers[callID] = c
	h.mutex.Unlock()

	if metrics.IsMetricsEnabled() {
		metrics.ObserverConnections.Inc()
	}
	h.logger.WithField("call_id", callID).Info("Observer attached")

	// Deliver current state before any live events
	if record, err := h.store.Get(callID); err == nil {
		c.enqueue(h.marshal(Event{Type: EventStatus, Data: map[string]interface{}{"status": record.Status}}))
		if len(record.Transcript) > 0 {
			c.enqueue(h.marshal(Event{Type: EventTranscript, Data: record.Transcript}))
		}
	}

	go c.writePump(h)
	go c.readPump(h)
}

// Publish delivers an event to the call's observer, if one is attached.
// Delivery is at-most-once; a slow observer is dropped rather than blocking
// the producer.
func (h *Hub) Publish(callID string, event Event) {
	h.mutex.RLock()
	c, ok := h.observers[callID]
	h.mutex.RUnlock()
	if !ok {
		return
	}

	data := h.marshal(event)
	if data == nil {
		return
	}

	if !c.enqueue(data) {
		h.logger.WithField("call_id", callID).Warn("Observer too slow, dropping connection")
		h.detach(c)
		return
	}

	if metrics.IsMetricsEnabled() {
		metrics.ObserverEvents.WithLabelValues(event.Type).Inc()
	}
}

// Snapshot returns the pull-model view of the call.
func (h *Hub) Snapshot(callID string) (*Snapshot, error) {
	record, err := h.store.Get(callID)
	if err != nil {
		return nil, err
	}

	transcript := record.Transcript
	if transcript == nil {
		transcript = []callrecord.TranscriptSegment{}
	}

	return &Snapshot{
		Status:     record.Status,
		Transcript: transcript,
		Duration:   record.Duration,
		StartTime:  record.StartTime,
		EndTime:    record.EndTime,
	}, nil
}

// ObserverCount returns the number of attached observers.
func (h *Hub) ObserverCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.observers)
}

// NotifyStatus implements the conversation/bridge notifier contract.
func (h *Hub) NotifyStatus(callID string, status callrecord.Status) {
	h.Publish(callID, Event{Type: EventStatus, Data: map[string]interface{}{"status": status}})
}

// NotifyTranscript implements the conversation/bridge notifier contract.
func (h *Hub) NotifyTranscript(callID string, segment callrecord.TranscriptSegment) {
	h.Publish(callID, Event{Type: EventTranscript, Data: segment})
}

// NotifyAudio forwards a monitoring copy of an audio frame.
func (h *Hub) NotifyAudio(callID string, audioB64 string) {
	h.Publish(callID, Event{Type: EventAudio, Data: audioB64})
}

// NotifyError reports a degraded call to the observer.
func (h *Hub) NotifyError(callID string, message string) {
	h.Publish(callID, Event{Type: EventError, Data: map[string]interface{}{"message": message}})
}

func (h *Hub) marshal(event Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal observer event")
		return nil
	}
	return data
}

// detach removes the connection if it is still the call's registration.
func (h *Hub) detach(c *connection) {
	h.mutex.Lock()
	if cur, ok := h.observers[c.callID]; ok && cur == c {
		delete(h.observers, c.callID)
		if metrics.IsMetricsEnabled() {
			metrics.ObserverConnections.Dec()
		}
	}
	h.mutex.Unlock()
	c.close()
}

// enqueue offers an event to the write pump without blocking. Enqueueing to
// a closed connection is a no-op rather than a failure: the replacement or
// disconnect already detached it.
func (c *connection) enqueue(data []byte) bool {
	if data == nil {
		return true
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump pumps queued events to the websocket connection.
func (c *connection) writePump(h *Hub) {
	ticker := time.NewTicker(60 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.detach(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

// readPump drains the connection so close frames are processed; observers
// send nothing meaningful inbound.
func (c *connection) readPump(h *Hub) {
	defer h.detach(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
