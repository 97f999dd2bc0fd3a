package scoring

import "shopcall-server/pkg/callrecord"

// ScoreToGrade converts a percentage into a letter grade.
func ScoreToGrade(score float64) callrecord.LetterGrade {
	switch {
	case score >= 90:
		return callrecord.GradeA
	case score >= 80:
		return callrecord.GradeB
	case score >= 70:
		return callrecord.GradeC
	case score >= 60:
		return callrecord.GradeD
	default:
		return callrecord.GradeF
	}
}

// GradeBreakdown grades the rubric scale, the sentiment scale and the
// combined 100-point scale independently.
func GradeBreakdown(rubricTotal, sentimentTotal int) callrecord.GradeBreakdown {
	overall := float64(rubricTotal + sentimentTotal)
	return callrecord.GradeBreakdown{
		Overall:   ScoreToGrade(overall),
		Objective: ScoreToGrade(float64(rubricTotal) / callrecord.RubricTotalMax * 100),
		Sentiment: ScoreToGrade(float64(sentimentTotal) / callrecord.SentimentTotalMax * 100),
	}
}
