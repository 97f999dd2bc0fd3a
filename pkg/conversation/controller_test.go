package conversation

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/config"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/speech"
)

// stubGenerator returns canned lines or an error.
type stubGenerator struct {
	line  string
	err   error
	calls int
}

func (g *stubGenerator) Complete(ctx context.Context, system string, history []speech.Message) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.line, nil
}

func testConversationConfig() *config.ConversationConfig {
	return &config.ConversationConfig{
		SoftStepLimit:     10,
		HardStepLimit:     12,
		MaxTranscriptSize: 20,
		BookingResistance: 2,
	}
}

func newTestController(t *testing.T, gen Generator) (*Controller, callrecord.Store, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := callrecord.NewMemoryStore(logger)
	record, err := store.Create(callrecord.PracticeInfo{
		PracticeName: "Bright Smile Dental",
		PhoneNumber:  "+15551234567",
	})
	require.NoError(t, err)

	controller := NewController(logger, store, gen, nil, testConversationConfig())
	return controller, store, record.ID
}

func TestTurnOpeningLine(t *testing.T) {
	gen := &stubGenerator{line: "unused"}
	controller, store, callID := newTestController(t, gen)

	result, err := controller.Turn(context.Background(), callID, 0, "", 0)
	require.NoError(t, err)
	assert.Contains(t, openingLines, result.Line)
	assert.False(t, result.Done)
	assert.Equal(t, 1, result.NextStep)
	assert.Zero(t, gen.calls, "opening line is scripted, not generated")

	record, err := store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusInProgress, record.Status)
	assert.NotNil(t, record.StartTime)
}

func TestTurnRepromptOnSilence(t *testing.T) {
	gen := &stubGenerator{line: "unused"}
	controller, store, callID := newTestController(t, gen)

	result, err := controller.Turn(context.Background(), callID, 3, "", 0)
	require.NoError(t, err)
	assert.Equal(t, repromptLine, result.Line)
	assert.False(t, result.Done)
	assert.Equal(t, 4, result.NextStep)
	assert.Zero(t, gen.calls)

	record, err := store.Get(callID)
	require.NoError(t, err)
	assert.Empty(t, record.Transcript, "silence must not append transcript segments")
}

func TestTurnAppendsBothSides(t *testing.T) {
	gen := &stubGenerator{line: "Great! Do you take Delta Dental insurance?"}
	controller, store, callID := newTestController(t, gen)

	result, err := controller.Turn(context.Background(), callID, 1, "Yes, we're accepting new patients!", 0.92)
	require.NoError(t, err)
	assert.Equal(t, gen.line, result.Line)
	assert.False(t, result.Done)
	assert.Equal(t, 1, gen.calls)

	record, err := store.Get(callID)
	require.NoError(t, err)
	require.Len(t, record.Transcript, 2)
	assert.Equal(t, callrecord.SpeakerOtherParty, record.Transcript[0].Speaker)
	assert.Equal(t, "Yes, we're accepting new patients!", record.Transcript[0].Text)
	assert.InDelta(t, 0.92, record.Transcript[0].Confidence, 0.001)
	assert.Equal(t, callrecord.SpeakerAI, record.Transcript[1].Speaker)
	assert.Equal(t, gen.line, record.Transcript[1].Text)
}

func TestTurnEndsOnThankingLine(t *testing.T) {
	gen := &stubGenerator{line: "Thank you so much, you've been really helpful!"}
	controller, store, callID := newTestController(t, gen)

	result, err := controller.Turn(context.Background(), callID, 2, "Anything else I can help with?", 0.9)
	require.NoError(t, err)
	assert.True(t, result.Done)

	record, err := store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusCompleted, record.Status)
	assert.NotNil(t, record.EndTime)
}

func TestTurnHardCeiling(t *testing.T) {
	gen := &stubGenerator{line: "And what about weekend availability?"}
	controller, store, callID := newTestController(t, gen)

	// Step equal to the hard limit: the next step would exceed it
	result, err := controller.Turn(context.Background(), callID, 12, "We have lots of openings.", 0.9)
	require.NoError(t, err)
	assert.True(t, result.Done, "call must terminate once the step ceiling is reached")

	record, err := store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusCompleted, record.Status)
}

func TestTurnTerminatesByStepTwelveRegardlessOfGenerator(t *testing.T) {
	gen := &stubGenerator{line: "Just one more question about parking..."}
	controller, _, callID := newTestController(t, gen)

	done := false
	step := 0
	for ; step <= 20; step++ {
		utterance := "Sure, what else?"
		if step == 0 {
			utterance = ""
		}
		result, err := controller.Turn(context.Background(), callID, step, utterance, 0.9)
		require.NoError(t, err)
		if result.Done {
			done = true
			break
		}
	}

	assert.True(t, done)
	assert.LessOrEqual(t, step, 12)
}

func TestTurnGenerationFailureEndsCall(t *testing.T) {
	gen := &stubGenerator{err: errors.New("provider unavailable")}
	controller, store, callID := newTestController(t, gen)

	_, err := controller.Turn(context.Background(), callID, 1, "Hello?", 0.9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationFailed))

	// The call must not be left stuck mid-conversation
	record, getErr := store.Get(callID)
	require.NoError(t, getErr)
	assert.Equal(t, callrecord.StatusCompleted, record.Status)
	assert.Zero(t, controller.ActiveConversations())
}

func TestTurnUnknownCall(t *testing.T) {
	gen := &stubGenerator{line: "x"}
	controller, _, _ := newTestController(t, gen)

	_, err := controller.Turn(context.Background(), "no-such-call", 0, "", 0)
	assert.True(t, errors.Is(err, errors.ErrCallNotFound))
}

func TestBuildSystemPromptTracksNextObjective(t *testing.T) {
	gen := &stubGenerator{line: "x"}
	controller, _, _ := newTestController(t, gen)

	practice := callrecord.PracticeInfo{PracticeName: "Bright Smile Dental", InsuranceType: "Cigna"}
	state := NewCallerState()

	prompt := controller.buildSystemPrompt(practice, state)
	assert.Contains(t, prompt, "Ask if they accept new patients")
	assert.Contains(t, prompt, "Cigna")

	state.Observe("Are you accepting new patients?")
	prompt = controller.buildSystemPrompt(practice, state)
	assert.Contains(t, prompt, "Ask if they take Cigna insurance")

	// All topics resolved, still resisting the booking push
	for _, line := range []string{
		"Do you take Cigna insurance?",
		"Any specials going on?",
		"How much is a cleaning?",
		"What's your availability this week?",
	} {
		state.Observe(line)
	}
	prompt = controller.buildSystemPrompt(practice, state)
	assert.Contains(t, prompt, "check your schedule")

	state.BookingDeclines = 2
	prompt = controller.buildSystemPrompt(practice, state)
	assert.Contains(t, prompt, "end the conversation politely")
}
