package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/metrics"
	"shopcall-server/pkg/speech"
)

// Notifier receives monitoring copies of bridge traffic.
type Notifier interface {
	NotifyStatus(callID string, status callrecord.Status)
	NotifyTranscript(callID string, segment callrecord.TranscriptSegment)
	NotifyAudio(callID string, audioB64 string)
	NotifyError(callID string, message string)
}

// mediaMessage is the telephony provider's media stream envelope. The same
// shape is used in both directions; only the fields relevant to each event
// are populated.
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// Bridge relays audio between a provider media stream and a realtime speech
// session, one pairing per call. Transcript deltas from the speech side are
// appended to the call record and fanned out to observers.
type Bridge struct {
	logger   *logrus.Logger
	store    callrecord.Store
	factory  speech.SessionFactory
	notifier Notifier

	mutex   sync.Mutex
	bridges map[string]*callBridge
}

type callBridge struct {
	callID    string
	streamSid string
	conn      *websocket.Conn
	session   speech.Session
	writeMu   sync.Mutex
	startedAt time.Time
	segment   int
	closeOnce sync.Once
}

// New creates a media bridge.
func New(logger *logrus.Logger, store callrecord.Store, factory speech.SessionFactory, notifier Notifier) *Bridge {
	return &Bridge{
		logger:   logger,
		store:    store,
		factory:  factory,
		notifier: notifier,
		bridges:  make(map[string]*callBridge),
	}
}

// Handle runs one provider media stream connection to completion. It blocks
// until either leg closes, then tears down both.
func (b *Bridge) Handle(ctx context.Context, conn *websocket.Conn, callID string) {
	cb := &callBridge{
		callID:    callID,
		conn:      conn,
		startedAt: time.Now(),
	}

	b.mutex.Lock()
	b.bridges[callID] = cb
	b.mutex.Unlock()

	if metrics.IsMetricsEnabled() {
		metrics.BridgeSessions.Inc()
	}
	b.logger.WithField("call_id", callID).Info("Media stream connected")

	defer b.teardown(cb)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.WithError(err).WithField("call_id", callID).Warn("Media stream closed unexpectedly")
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.WithError(err).WithField("call_id", callID).Debug("Unparseable media stream message")
			continue
		}

		switch msg.Event {
		case "connected":
			// Handshake preamble, nothing to do yet

		case "start":
			b.handleStart(ctx, cb, &msg)

		case "media":
			b.handleMedia(cb, &msg)

		case "stop":
			b.logger.WithField("call_id", callID).Info("Media stream stopped")
			return

		default:
			b.logger.WithFields(logrus.Fields{
				"call_id": callID,
				"event":   msg.Event,
			}).Debug("Ignoring media stream event")
		}
	}
}

// Active reports whether a bridge is currently running for the call.
func (b *Bridge) Active(callID string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.bridges[callID]
	return ok
}

func (b *Bridge) handleStart(ctx context.Context, cb *callBridge, msg *mediaMessage) {
	if cb.session != nil {
		b.logger.WithField("call_id", cb.callID).Debug("Ignoring duplicate media stream start")
		return
	}
	if msg.Start != nil {
		cb.streamSid = msg.Start.StreamSid
	}
	if cb.streamSid == "" {
		cb.streamSid = msg.StreamSid
	}

	handlers := speech.SessionHandlers{
		OnAudio: func(audioB64 string) {
			b.relayToCaller(cb, audioB64)
			if b.notifier != nil {
				b.notifier.NotifyAudio(cb.callID, audioB64)
			}
		},
		OnTranscript: func(event speech.TranscriptEvent) {
			b.recordTranscript(cb, event)
		},
		OnError: func(err error) {
			b.degrade(cb, err)
		},
	}

	session, err := b.factory.Open(ctx, cb.callID, handlers)
	if err != nil {
		// Provider leg stays up so the call itself is not dropped
		b.degrade(cb, errors.Wrap(err, "failed to open speech session"))
		return
	}
	cb.session = session

	record, getErr := b.store.Get(cb.callID)
	if getErr == nil && record.StartTime == nil {
		b.store.Update(cb.callID, func(r *callrecord.CallRecord) error {
			now := time.Now()
			r.StartTime = &now
			r.AdvanceStatus(callrecord.StatusInProgress)
			return nil
		})
	}

	b.logger.WithFields(logrus.Fields{
		"call_id":    cb.callID,
		"stream_sid": cb.streamSid,
	}).Info("Speech session bridged")
}

func (b *Bridge) handleMedia(cb *callBridge, msg *mediaMessage) {
	if cb.session == nil || msg.Media == nil || msg.Media.Payload == "" {
		return
	}

	if metrics.IsMetricsEnabled() {
		metrics.BridgeAudioFrames.WithLabelValues("inbound").Inc()
	}

	if err := cb.session.SendAudio(msg.Media.Payload); err != nil {
		b.degrade(cb, err)
	}
}

// relayToCaller wraps speech audio in the provider media envelope and sends
// it down the call leg.
func (b *Bridge) relayToCaller(cb *callBridge, audioB64 string) {
	out := mediaMessage{
		Event:     "media",
		StreamSid: cb.streamSid,
		Media:     &mediaPayload{Payload: audioB64},
	}

	data, err := json.Marshal(out)
	if err != nil {
		return
	}

	cb.writeMu.Lock()
	err = cb.conn.WriteMessage(websocket.TextMessage, data)
	cb.writeMu.Unlock()
	if err != nil {
		b.logger.WithError(err).WithField("call_id", cb.callID).Warn("Failed to relay audio to caller")
		return
	}

	if metrics.IsMetricsEnabled() {
		metrics.BridgeAudioFrames.WithLabelValues("outbound").Inc()
	}
}

func (b *Bridge) recordTranscript(cb *callBridge, event speech.TranscriptEvent) {
	speaker := callrecord.SpeakerAI
	if event.Speaker == "user" {
		speaker = callrecord.SpeakerOtherParty
	}

	segment := callrecord.TranscriptSegment{
		Speaker:   speaker,
		Text:      event.Text,
		Timestamp: time.Since(cb.startedAt).Seconds(),
	}
	cb.segment++

	if _, err := b.store.Update(cb.callID, func(r *callrecord.CallRecord) error {
		r.AppendSegment(segment)
		return nil
	}); err != nil {
		b.logger.WithError(err).WithField("call_id", cb.callID).Warn("Failed to record transcript segment")
	}

	if b.notifier != nil {
		b.notifier.NotifyTranscript(cb.callID, segment)
	}
}

// degrade logs a speech-side failure and keeps the call leg alive. The
// speech session is not retried; the call continues without AI audio until
// the provider hangs up.
func (b *Bridge) degrade(cb *callBridge, err error) {
	if metrics.IsMetricsEnabled() {
		metrics.BridgeErrors.Inc()
	}
	b.logger.WithError(err).WithField("call_id", cb.callID).Error("Speech leg degraded")
	if b.notifier != nil {
		b.notifier.NotifyError(cb.callID, "speech session degraded")
	}
}

func (b *Bridge) teardown(cb *callBridge) {
	cb.closeOnce.Do(func() {
		b.mutex.Lock()
		if cur, ok := b.bridges[cb.callID]; ok && cur == cb {
			delete(b.bridges, cb.callID)
		}
		b.mutex.Unlock()

		if cb.session != nil {
			cb.session.Close()
		}
		cb.conn.Close()

		// The status webhook updates the record; observers hear the stream
		// end here so they do not wait on a provider callback.
		if b.notifier != nil {
			b.notifier.NotifyStatus(cb.callID, callrecord.StatusCompleted)
		}

		if metrics.IsMetricsEnabled() {
			metrics.BridgeSessions.Dec()
		}
		b.logger.WithFields(logrus.Fields{
			"call_id":  cb.callID,
			"duration": time.Since(cb.startedAt).Round(time.Second).String(),
		}).Info("Media bridge closed")
	})
}
