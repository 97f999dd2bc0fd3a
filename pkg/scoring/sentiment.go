package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/metrics"
)

// sentimentAnswer is the structured response every sentiment judge prompt demands.
type sentimentAnswer struct {
	Points        int    `json:"points"`
	Justification string `json:"justification"`
}

type sentimentRubric struct {
	name  string
	label string
	scale string
}

var sentimentRubrics = []sentimentRubric{
	{
		name:  "warmth",
		label: "warmth and friendliness",
		scale: `- 6 points: Genuinely warm, welcoming, makes caller feel valued
- 4-5 points: Friendly and pleasant
- 2-3 points: Neutral, professional but not particularly warm
- 0-1 points: Cold, robotic, or unwelcoming`,
	},
	{
		name:  "confidence",
		label: "confidence level",
		scale: `- 6 points: Very confident, authoritative, knows answers immediately
- 4-5 points: Confident and self-assured
- 2-3 points: Somewhat uncertain, hesitant
- 0-1 points: Very uncertain, frequently unsure or apologetic`,
	},
	{
		name:  "clarity",
		label: "clarity of communication",
		scale: `- 6 points: Crystal clear, easy to understand, well-organized responses
- 4-5 points: Clear and understandable
- 2-3 points: Somewhat unclear or confusing at times
- 0-1 points: Confusing, rambling, or hard to follow`,
	},
	{
		name:  "empathy",
		label: "empathy and understanding",
		scale: `- 6 points: Highly empathetic, acknowledges concerns, validates feelings
- 4-5 points: Shows understanding and consideration
- 2-3 points: Minimal empathy, mostly transactional
- 0-1 points: No empathy, dismissive of concerns`,
	},
	{
		name:  "professional_tone",
		label: "professional tone",
		scale: `- 6 points: Highly professional, polished, appropriate language
- 4-5 points: Professional and appropriate
- 2-3 points: Somewhat casual or informal
- 0-1 points: Unprofessional, inappropriate, or too casual`,
	},
}

// scoreSentiment judges five soft-skill dimensions over the receptionist's
// lines only. A call with no receptionist lines scores zero across the board
// without invoking any judge.
func (e *Engine) scoreSentiment(ctx context.Context, record *callrecord.CallRecord) *callrecord.SentimentScores {
	lines := record.ReceptionistLines()
	if len(lines) == 0 {
		return zeroSentiment()
	}

	messages := strings.Join(lines, "\n")
	dimensions := make([]callrecord.SentimentDimension, len(sentimentRubrics))
	for i, rubric := range sentimentRubrics {
		dimensions[i] = e.judgeSentiment(ctx, rubric, messages)
	}

	scores := &callrecord.SentimentScores{
		Warmth:           dimensions[0],
		Confidence:       dimensions[1],
		Clarity:          dimensions[2],
		Empathy:          dimensions[3],
		ProfessionalTone: dimensions[4],
	}
	scores.Total = scores.Sum()
	return scores
}

func (e *Engine) judgeSentiment(ctx context.Context, rubric sentimentRubric, messages string) callrecord.SentimentDimension {
	prompt := fmt.Sprintf(`Analyze the %s in these receptionist messages from a dental office call.

Messages:
%s

Score 0-6 based on:
%s

Provide a brief justification (1-2 sentences).

Return JSON: { "points": number, "justification": string }`, rubric.label, messages, rubric.scale)

	if metrics.IsMetricsEnabled() {
		metrics.JudgeRequests.WithLabelValues(rubric.name).Inc()
	}
	started := time.Now()

	var answer sentimentAnswer
	err := e.judge.CompleteJSON(ctx, prompt, &answer)

	if metrics.IsMetricsEnabled() {
		metrics.JudgeLatency.Observe(time.Since(started).Seconds())
	}

	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.JudgeFailures.WithLabelValues(rubric.name).Inc()
		}
		e.logger.WithError(err).WithField("dimension", rubric.name).Warn("Sentiment judge failed, scoring zero")
		return callrecord.SentimentDimension{Points: 0, Justification: "Unable to assess"}
	}

	justification := answer.Justification
	if justification == "" {
		justification = "Unable to assess"
	}
	return callrecord.SentimentDimension{
		Points:        clamp(answer.Points, 0, 6),
		Justification: justification,
	}
}

func zeroSentiment() *callrecord.SentimentScores {
	empty := callrecord.SentimentDimension{
		Points:        0,
		Justification: "No receptionist messages to analyze",
	}
	return &callrecord.SentimentScores{
		Warmth:           empty,
		Confidence:       empty,
		Clarity:          empty,
		Empathy:          empty,
		ProfessionalTone: empty,
		Total:            0,
	}
}
