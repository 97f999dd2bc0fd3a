package conversation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/config"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/metrics"
	"shopcall-server/pkg/speech"
)

// Generator produces the shopper's next line from the conversation so far.
// Satisfied by speech.CompletionClient.
type Generator interface {
	Complete(ctx context.Context, system string, history []speech.Message) (string, error)
}

// Notifier receives live conversation events for attached observers. All
// methods must be non-blocking from the controller's perspective.
type Notifier interface {
	NotifyStatus(callID string, status callrecord.Status)
	NotifyTranscript(callID string, segment callrecord.TranscriptSegment)
}

var openingLines = []string{
	"Hi, I'm looking for a new dentist. Are you accepting new patients?",
	"Hello! I was hoping to find a new dental office. Do you have availability for new patients?",
	"Hi there, I'm looking for a dentist in the area. Are you taking new patients?",
}

const repromptLine = "I'm sorry, I didn't catch that. Could you repeat?"

// TurnResult is the outcome of one conversation round.
type TurnResult struct {
	Line string
	// Done indicates the call should be closed after speaking the line.
	Done bool
	// NextStep is the step the provider should report on the next round.
	NextStep int
}

// Controller drives the turn-based conversation path. Each turn is a
// stateless external request; continuity lives in the call record store and
// the per-call CallerState held here. Turns for the same call are serialized
// by a per-call lock because the read-modify-write of conversation state is
// not safe to interleave.
type Controller struct {
	logger    *logrus.Logger
	store     callrecord.Store
	generator Generator
	notifier  Notifier
	config    *config.ConversationConfig

	mutex sync.Mutex
	calls map[string]*activeCall
}

type activeCall struct {
	mutex sync.Mutex
	state *CallerState
}

// NewController creates a conversation controller.
func NewController(logger *logrus.Logger, store callrecord.Store, generator Generator, notifier Notifier, cfg *config.ConversationConfig) *Controller {
	return &Controller{
		logger:    logger,
		store:     store,
		generator: generator,
		notifier:  notifier,
		config:    cfg,
		calls:     make(map[string]*activeCall),
	}
}

// acquire returns the per-call slot, creating it on first use, and locks it.
func (c *Controller) acquire(callID string) *activeCall {
	c.mutex.Lock()
	call, ok := c.calls[callID]
	if !ok {
		call = &activeCall{state: NewCallerState()}
		c.calls[callID] = call
	}
	c.mutex.Unlock()

	call.mutex.Lock()
	return call
}

// release destroys the per-call conversation state.
func (c *Controller) release(callID string) {
	c.mutex.Lock()
	delete(c.calls, callID)
	c.mutex.Unlock()
}

// ActiveConversations returns the number of calls with live state.
func (c *Controller) ActiveConversations() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.calls)
}

// Turn processes one conversation round: ingest the heard utterance, decide
// the shopper's next line, and report whether the call should end. Any
// generation failure degrades to a terminal apology line rather than leaving
// the call stuck.
func (c *Controller) Turn(ctx context.Context, callID string, step int, utterance string, confidence float64) (*TurnResult, error) {
	record, err := c.store.Get(callID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	call := c.acquire(callID)
	defer call.mutex.Unlock()
	state := call.state

	if metrics.IsMetricsEnabled() {
		metrics.TurnsProcessed.Inc()
		defer func() {
			metrics.TurnLatency.Observe(time.Since(started).Seconds())
		}()
	}

	var line string
	switch {
	case step == 0:
		line = openingLines[rand.Intn(len(openingLines))]
		state.history = append(state.history, speech.Message{Role: "assistant", Content: line})

		now := time.Now()
		if _, err := c.store.Update(callID, func(r *callrecord.CallRecord) error {
			r.AdvanceStatus(callrecord.StatusInProgress)
			if r.StartTime == nil {
				r.StartTime = &now
			}
			return nil
		}); err != nil {
			return nil, err
		}
		if c.notifier != nil {
			c.notifier.NotifyStatus(callID, callrecord.StatusInProgress)
		}

	case utterance == "":
		// Silence or low confidence: re-prompt without advancing topic state.
		line = repromptLine

	default:
		heard := callrecord.TranscriptSegment{
			Speaker:    callrecord.SpeakerOtherParty,
			Text:       utterance,
			Timestamp:  float64(step * 10),
			Confidence: confidence,
		}
		record, err = c.store.Update(callID, func(r *callrecord.CallRecord) error {
			r.AppendSegment(heard)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if c.notifier != nil {
			c.notifier.NotifyTranscript(callID, heard)
		}

		state.history = append(state.history, speech.Message{Role: "user", Content: utterance})

		line, err = c.generator.Complete(ctx, c.buildSystemPrompt(record.PracticeInfo, state), state.history)
		if err != nil {
			c.logger.WithError(err).WithField("call_id", callID).Error("Line generation failed, ending call with apology")
			if metrics.IsMetricsEnabled() {
				metrics.TurnFallbacks.Inc()
			}
			c.endCall(callID)
			return nil, errors.Wrap(errors.ErrGenerationFailed, err.Error(), map[string]interface{}{
				"call_id": callID,
			})
		}

		state.history = append(state.history, speech.Message{Role: "assistant", Content: line})
		state.Observe(line)

		spoken := callrecord.TranscriptSegment{
			Speaker:   callrecord.SpeakerAI,
			Text:      line,
			Timestamp: float64(step*10 + 5),
		}
		record, err = c.store.Update(callID, func(r *callrecord.CallRecord) error {
			r.AppendSegment(spoken)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if c.notifier != nil {
			c.notifier.NotifyTranscript(callID, spoken)
		}
	}

	nextStep := step + 1
	done := c.shouldEnd(state, record) || nextStep > c.config.HardStepLimit
	if done {
		c.endCall(callID)
	}

	c.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"step":    step,
		"done":    done,
	}).Debug("Turn processed")

	return &TurnResult{Line: line, Done: done, NextStep: nextStep}, nil
}

// shouldEnd is the soft termination predicate, checked every turn. The hard
// step ceiling in Turn is the authoritative safety net above it.
func (c *Controller) shouldEnd(state *CallerState, record *callrecord.CallRecord) bool {
	if state.Step > c.config.SoftStepLimit {
		return true
	}
	if state.EndSignal {
		return true
	}
	if record != nil && len(record.Transcript) > c.config.MaxTranscriptSize {
		return true
	}
	return false
}

// endCall marks the record completed and destroys conversation state.
func (c *Controller) endCall(callID string) {
	now := time.Now()
	if _, err := c.store.Update(callID, func(r *callrecord.CallRecord) error {
		if r.AdvanceStatus(callrecord.StatusCompleted) {
			if r.EndTime == nil {
				r.EndTime = &now
			}
			if r.Duration == 0 && r.StartTime != nil {
				r.Duration = int(now.Sub(*r.StartTime).Seconds())
			}
		}
		return nil
	}); err != nil {
		c.logger.WithError(err).WithField("call_id", callID).Warn("Failed to finalize call record")
	}
	if c.notifier != nil {
		c.notifier.NotifyStatus(callID, callrecord.StatusCompleted)
	}
	c.release(callID)
}

// buildSystemPrompt assembles the persona and the next objective from the
// first unresolved topic.
func (c *Controller) buildSystemPrompt(practice callrecord.PracticeInfo, state *CallerState) string {
	insurance := practice.InsuranceType
	if insurance == "" {
		insurance = "Delta Dental"
	}

	var b strings.Builder
	b.WriteString("You are a potential new patient calling a dental practice. You are friendly, slightly hesitant about making appointments, and need some convincing to book.\n\n")
	b.WriteString("PRACTICE INFORMATION:\n")
	fmt.Fprintf(&b, "- Practice Name: %s\n", practice.PracticeName)
	if practice.PrimaryOffer != "" {
		fmt.Fprintf(&b, "- They offer: %s\n", practice.PrimaryOffer)
	}

	b.WriteString("\nYOUR ROLE:\n")
	b.WriteString("- You're looking for a new dentist\n")
	fmt.Fprintf(&b, "- You have %s insurance\n", insurance)
	b.WriteString("- You're cost-conscious but willing to book if the conversation goes well\n")
	b.WriteString("- You should ask natural follow-up questions\n")
	b.WriteString("- Don't commit to booking too quickly - give them opportunities to sell you\n")

	b.WriteString("\nNEXT OBJECTIVE:\n")
	if topic, ok := state.NextTopic(); ok {
		switch topic {
		case TopicNewPatients:
			b.WriteString("- Ask if they accept new patients\n")
		case TopicInsurance:
			fmt.Fprintf(&b, "- Ask if they take %s insurance\n", insurance)
		case TopicOffers:
			b.WriteString("- Ask about new patient specials or promotions\n")
		case TopicPricing:
			b.WriteString("- Ask about pricing for a cleaning or exam\n")
		case TopicAvailability:
			b.WriteString("- Ask about availability this week or next\n")
		}
	} else if state.BookingDeclines < c.config.BookingResistance {
		b.WriteString("- If they try to book you, say you need to check your schedule first\n")
	} else {
		b.WriteString("- Thank them and end the conversation politely\n")
	}

	b.WriteString("\nIMPORTANT:\n")
	b.WriteString("- Keep responses conversational and natural (1-2 sentences max)\n")
	b.WriteString("- Sound like a real person, not a script\n")
	b.WriteString("- Give them opportunities to explain offers and overcome objections\n")
	b.WriteString("- End naturally after getting enough information\n")
	fmt.Fprintf(&b, "\nCurrent conversation context: You've asked %d questions so far.", state.Step)

	return b.String()
}
