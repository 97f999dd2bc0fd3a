package httpsrv

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/metrics"
	"shopcall-server/pkg/observer"
	"shopcall-server/pkg/telephony"
)

// createSessionRequest is the POST /session body.
type createSessionRequest struct {
	callrecord.PracticeInfo
	// Mode selects the conversation path: "turn" (default) or "stream".
	Mode string `json:"mode,omitempty"`
}

type signalRequest struct {
	Digit  string `json:"digit,omitempty"`
	Action string `json:"action,omitempty"`
}

// handleCreateSession creates a call record and dials the practice.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "invalid request body"))
		return
	}
	if req.PracticeName == "" || req.PhoneNumber == "" {
		errors.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "practiceName and phoneNumber are required"))
		return
	}

	mode := telephony.ModeTurn
	if req.Mode == string(telephony.ModeStream) {
		mode = telephony.ModeStream
	}

	record, err := s.store.Create(req.PracticeInfo)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	if metrics.IsMetricsEnabled() {
		metrics.CallsInitiated.Inc()
		metrics.ActiveCalls.Inc()
	}

	providerRef, err := s.gateway.PlaceCall(r.Context(), req.PhoneNumber, record.ID, mode)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.DialFailures.Inc()
			metrics.ActiveCalls.Dec()
		}
		s.store.Update(record.ID, func(rec *callrecord.CallRecord) error {
			rec.AdvanceStatus(callrecord.StatusFailed)
			return nil
		})
		s.logger.WithError(err).WithField("call_id", record.ID).Error("Failed to place call")
		errors.WriteError(w, errors.Wrap(errors.ErrDialFailed, err.Error()))
		return
	}

	s.store.Update(record.ID, func(rec *callrecord.CallRecord) error {
		rec.ProviderCallRef = providerRef
		rec.AdvanceStatus(callrecord.StatusRinging)
		return nil
	})

	s.logger.WithFields(logrus.Fields{
		"call_id":      record.ID,
		"provider_ref": providerRef,
		"practice":     req.PracticeName,
	}).Info("Test call initiated")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"callId":          record.ID,
		"providerCallRef": providerRef,
	})
}

// handleListSessions returns every call record, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	records, err := s.store.List()
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": records,
		"count":    len(records),
	})
}

// handleSessionSubtree dispatches /session/{callId}[/turn|/signal|/observe].
func (s *Server) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/session/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		errors.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "missing call ID"))
		return
	}
	callID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetSession(w, r, callID)
		case http.MethodDelete:
			s.handleDeleteSession(w, r, callID)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "turn":
		s.handleTurn(w, r, callID)
	case "signal":
		s.handleSignal(w, r, callID)
	case "observe":
		s.handleObserve(w, r, callID)
	default:
		errors.WriteError(w, errors.ErrNotFound)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, callID string) {
	record, err := s.store.Get(callID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, callID string) {
	if err := s.store.Delete(callID); err != nil {
		errors.WriteError(w, err)
		return
	}
	s.logger.WithField("call_id", callID).Info("Call record deleted")
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": callID})
}

// handleTurn drives one round of the turn-based conversation. The provider
// always receives a valid call-control document: any failure collapses to
// the apology document so the call can never hang mid-conversation.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, callID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	step, err := strconv.Atoi(r.URL.Query().Get("step"))
	if err != nil {
		step = 0
	}

	if err := r.ParseForm(); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Warn("Unparseable turn request")
		writeTwiML(w, telephony.Apology())
		return
	}
	utterance := strings.TrimSpace(r.FormValue("SpeechResult"))
	confidence, _ := strconv.ParseFloat(r.FormValue("Confidence"), 64)

	result, err := s.controller.Turn(r.Context(), callID, step, utterance, confidence)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": callID,
			"step":    step,
		}).Error("Turn processing failed, sending apology")
		if metrics.IsMetricsEnabled() {
			metrics.TurnFallbacks.Inc()
		}
		writeTwiML(w, telephony.Apology())
		return
	}

	if result.Done {
		writeTwiML(w, telephony.Closing(result.Line))
		return
	}

	actionURL := s.turnURL(callID, result.NextStep)
	writeTwiML(w, telephony.TurnPrompt(result.Line, actionURL))
}

// handleSignal forwards a touch-tone digit or a hangup to the live call.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request, callID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "invalid request body"))
		return
	}

	record, err := s.store.Get(callID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if record.ProviderCallRef == "" || record.Status.Terminal() {
		errors.WriteError(w, errors.ErrCallNotActive)
		return
	}

	switch {
	case req.Digit != "":
		if err := s.gateway.SendDigits(r.Context(), record.ProviderCallRef, req.Digit); err != nil {
			errors.WriteError(w, err)
			return
		}
		s.hub.Publish(callID, observer.Event{
			Type: observer.EventIVR,
			Data: map[string]interface{}{"digit": req.Digit},
		})
	case req.Action == "hangup":
		if err := s.gateway.Hangup(r.Context(), record.ProviderCallRef); err != nil {
			errors.WriteError(w, err)
			return
		}
	default:
		errors.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "digit or action required"))
		return
	}

	s.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"digit":   req.Digit,
		"action":  req.Action,
	}).Info("Signal forwarded to call")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleObserve serves both observer models: a plain GET returns the
// snapshot, a websocket upgrade attaches the live push channel.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request, callID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	if _, err := s.store.Get(callID); err != nil {
		errors.WriteError(w, err)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.hub.Attach(w, r, callID)
		return
	}

	snapshot, err := s.hub.Snapshot(callID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) turnURL(callID string, step int) string {
	return strings.TrimRight(s.config.Telephony.CallbackURL, "/") +
		"/session/" + callID + "/turn?step=" + strconv.Itoa(step)
}
