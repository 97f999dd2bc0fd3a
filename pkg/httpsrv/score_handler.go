package httpsrv

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/messaging"
	"shopcall-server/pkg/scoring"
)

// handleScore dispatches /score/{callId}. POST runs the scoring engine once
// and persists the result; GET re-derives grades and insights from the
// persisted scores without invoking any judge.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	callID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/score/"), "/")
	if callID == "" || strings.Contains(callID, "/") {
		errors.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "missing call ID"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleRunScoring(w, r, callID)
	case http.MethodGet:
		s.handleGetScores(w, r, callID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRunScoring(w http.ResponseWriter, r *http.Request, callID string) {
	record, err := s.store.Get(callID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	var result *scoring.Result
	if record.Scored() {
		// Already scored, rebuild the derived parts only
		result = s.engine.Derive(record.RubricScores, record.SentimentScores, record.OverallScore)
		writeScoreResponse(w, result)
		return
	}

	result, err = s.engine.Score(r.Context(), record)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	if _, err := s.store.Update(callID, func(rec *callrecord.CallRecord) error {
		rec.RubricScores = result.Rubric
		rec.SentimentScores = result.Sentiment
		rec.OverallScore = result.Overall
		rec.LetterGrade = result.Grades.Overall
		return nil
	}); err != nil {
		errors.WriteError(w, err)
		return
	}

	if s.publisher != nil && s.publisher.Enabled() {
		if err := s.publisher.Publish(messaging.EventCallScored, callID, map[string]interface{}{
			"overall": result.Overall,
			"grade":   result.Grades.Overall,
		}); err != nil {
			s.logger.WithError(err).WithField("call_id", callID).Warn("Failed to publish scoring event")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"overall": result.Overall,
		"grade":   result.Grades.Overall,
	}).Info("Scoring complete")
	writeScoreResponse(w, result)
}

func (s *Server) handleGetScores(w http.ResponseWriter, r *http.Request, callID string) {
	record, err := s.store.Get(callID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if !record.Scored() {
		errors.WriteError(w, errors.ErrNotScored)
		return
	}

	result := s.engine.Derive(record.RubricScores, record.SentimentScores, record.OverallScore)
	writeScoreResponse(w, result)
}

func writeScoreResponse(w http.ResponseWriter, result *scoring.Result) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scores": map[string]interface{}{
			"rubric":    result.Rubric,
			"sentiment": result.Sentiment,
			"overall":   result.Overall,
			"grades":    result.Grades,
		},
		"insights": result.Insights,
	})
}
