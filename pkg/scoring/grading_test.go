package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"shopcall-server/pkg/callrecord"
)

func TestScoreToGradeBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		grade callrecord.LetterGrade
	}{
		{100, callrecord.GradeA},
		{90, callrecord.GradeA},
		{89, callrecord.GradeB},
		{80, callrecord.GradeB},
		{79, callrecord.GradeC},
		{70, callrecord.GradeC},
		{69, callrecord.GradeD},
		{60, callrecord.GradeD},
		{59, callrecord.GradeF},
		{0, callrecord.GradeF},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.grade, ScoreToGrade(tc.score), "score %v", tc.score)
	}
}

func TestGradeBreakdownIndependentScales(t *testing.T) {
	// 63/70 = 90% objective, 21/30 = 70% sentiment, 84/100 overall
	breakdown := GradeBreakdown(63, 21)
	assert.Equal(t, callrecord.GradeA, breakdown.Objective)
	assert.Equal(t, callrecord.GradeC, breakdown.Sentiment)
	assert.Equal(t, callrecord.GradeB, breakdown.Overall)
}

func TestGradeBreakdownZero(t *testing.T) {
	breakdown := GradeBreakdown(0, 0)
	assert.Equal(t, callrecord.GradeF, breakdown.Overall)
	assert.Equal(t, callrecord.GradeF, breakdown.Objective)
	assert.Equal(t, callrecord.GradeF, breakdown.Sentiment)
}
