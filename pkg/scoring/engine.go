package scoring

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/metrics"
)

// Judge submits a scoring prompt to the language-model judge and decodes its
// structured JSON answer.
type Judge interface {
	CompleteJSON(ctx context.Context, prompt string, out interface{}) error
}

// Result is the full scoring output for one call.
type Result struct {
	Rubric    *callrecord.RubricScores    `json:"rubric"`
	Sentiment *callrecord.SentimentScores `json:"sentiment"`
	Overall   int                         `json:"overall"`
	Grades    callrecord.GradeBreakdown   `json:"grades"`
	Insights  *callrecord.CallInsights    `json:"insights"`
}

// Engine scores completed calls against the objective rubric and the
// sentiment dimensions. Scoring never mutates the call record; callers
// persist the result themselves.
type Engine struct {
	logger *logrus.Logger
	judge  Judge
}

// NewEngine creates a scoring engine.
func NewEngine(logger *logrus.Logger, judge Judge) *Engine {
	return &Engine{logger: logger, judge: judge}
}

// Score runs the full rubric and sentiment analysis over the call's
// transcript. Judge failures degrade individual categories to their lowest
// score instead of failing the run.
func (e *Engine) Score(ctx context.Context, record *callrecord.CallRecord) (*Result, error) {
	if len(record.Transcript) == 0 {
		return nil, errors.ErrNoTranscript
	}

	if metrics.IsMetricsEnabled() {
		metrics.ScoringRuns.Inc()
	}
	started := time.Now()

	rubric := e.scoreRubric(ctx, record)
	sentiment := e.scoreSentiment(ctx, record)
	overall := rubric.Total + sentiment.Total

	e.logger.WithFields(logrus.Fields{
		"call_id":   record.ID,
		"rubric":    rubric.Total,
		"sentiment": sentiment.Total,
		"overall":   overall,
		"elapsed":   time.Since(started).Round(time.Millisecond).String(),
	}).Info("Call scored")

	return &Result{
		Rubric:    rubric,
		Sentiment: sentiment,
		Overall:   overall,
		Grades:    GradeBreakdown(rubric.Total, sentiment.Total),
		Insights:  GenerateInsights(rubric, sentiment),
	}, nil
}

// Derive rebuilds grades and insights from already-persisted scores without
// invoking any judge.
func (e *Engine) Derive(rubric *callrecord.RubricScores, sentiment *callrecord.SentimentScores, overall int) *Result {
	return &Result{
		Rubric:    rubric,
		Sentiment: sentiment,
		Overall:   overall,
		Grades:    GradeBreakdown(rubric.Total, sentiment.Total),
		Insights:  GenerateInsights(rubric, sentiment),
	}
}
