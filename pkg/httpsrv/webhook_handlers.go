package httpsrv

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/messaging"
	"shopcall-server/pkg/metrics"
	"shopcall-server/pkg/telephony"
)

var mediaStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStatusWebhook applies provider lifecycle callbacks to the call
// record. It always acknowledges with 200: webhook retries storms are worse
// than a lost update, and status application is idempotent anyway.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.logger.WithError(err).Warn("Unparseable status webhook")
		w.WriteHeader(http.StatusOK)
		return
	}

	callID := r.URL.Query().Get("callId")
	providerStatus := r.FormValue("CallStatus")
	durationStr := r.FormValue("CallDuration")

	if metrics.IsMetricsEnabled() {
		metrics.WebhookEvents.WithLabelValues("status").Inc()
	}

	status, ok := telephony.MapProviderStatus(providerStatus)
	if !ok {
		s.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"status":  providerStatus,
		}).Debug("Ignoring unmapped provider status")
		w.WriteHeader(http.StatusOK)
		return
	}

	var completed bool
	record, err := s.store.Update(callID, func(rec *callrecord.CallRecord) error {
		if !rec.AdvanceStatus(status) {
			return nil
		}
		switch status {
		case callrecord.StatusInProgress:
			if rec.StartTime == nil {
				now := time.Now()
				rec.StartTime = &now
			}
		case callrecord.StatusCompleted, callrecord.StatusFailed:
			completed = true
			if rec.EndTime == nil {
				now := time.Now()
				rec.EndTime = &now
			}
			if d, err := strconv.Atoi(durationStr); err == nil && d > 0 {
				rec.Duration = d
			} else if rec.StartTime != nil {
				rec.Duration = int(rec.EndTime.Sub(*rec.StartTime).Seconds())
			}
		}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Warn("Status webhook for unknown call")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.hub.NotifyStatus(callID, record.Status)

	if completed {
		if metrics.IsMetricsEnabled() {
			metrics.CallsCompleted.WithLabelValues(string(record.Status)).Inc()
			metrics.ActiveCalls.Dec()
			if record.Duration > 0 {
				metrics.CallDuration.Observe(float64(record.Duration))
			}
		}
		s.publishEvent(record)
	}

	s.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"status":  record.Status,
	}).Info("Call status updated")
	w.WriteHeader(http.StatusOK)
}

// handleRecordingWebhook stores the finished recording's audio URL.
func (s *Server) handleRecordingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.logger.WithError(err).Warn("Unparseable recording webhook")
		w.WriteHeader(http.StatusOK)
		return
	}

	callID := r.URL.Query().Get("callId")
	recordingURL := r.FormValue("RecordingUrl")
	recordingStatus := r.FormValue("RecordingStatus")

	if metrics.IsMetricsEnabled() {
		metrics.WebhookEvents.WithLabelValues("recording").Inc()
	}

	if recordingStatus != "completed" || recordingURL == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := s.store.Update(callID, func(rec *callrecord.CallRecord) error {
		rec.AudioURL = recordingURL + ".mp3"
		return nil
	}); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Warn("Recording webhook for unknown call")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.logger.WithField("call_id", callID).Info("Recording available")
	w.WriteHeader(http.StatusOK)
}

// handleMediaTwiML returns the call-control document that connects the call
// audio to the media-stream websocket.
func (s *Server) handleMediaTwiML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	callID := r.URL.Query().Get("callId")
	if callID == "" {
		writeTwiML(w, telephony.Apology())
		return
	}

	if metrics.IsMetricsEnabled() {
		metrics.WebhookEvents.WithLabelValues("media").Inc()
	}
	writeTwiML(w, telephony.MediaStreamConnect(s.config.Telephony.CallbackURL, callID))
}

// handleMediaStream upgrades the provider's media stream connection and
// hands it to the bridge. Blocks for the duration of the stream.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		http.Error(w, "missing callId", http.StatusBadRequest)
		return
	}
	if _, err := s.store.Get(callID); err != nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	conn, err := mediaStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Error("Failed to upgrade media stream")
		return
	}

	s.media.Handle(r.Context(), conn, callID)
}

// publishEvent fans a terminal lifecycle event out to the broker.
func (s *Server) publishEvent(record *callrecord.CallRecord) {
	if s.publisher == nil || !s.publisher.Enabled() {
		return
	}

	eventType := messaging.EventCallCompleted
	if record.Status == callrecord.StatusFailed {
		eventType = messaging.EventCallFailed
	}
	if err := s.publisher.Publish(eventType, record.ID, map[string]interface{}{
		"status":   record.Status,
		"duration": record.Duration,
	}); err != nil {
		s.logger.WithError(err).WithField("call_id", record.ID).Warn("Failed to publish call event")
	}
}
