package conversation

import (
	"strings"

	"shopcall-server/pkg/speech"
)

// Topic is one subject the shopper raises during the call.
type Topic string

const (
	TopicNewPatients  Topic = "new-patients"
	TopicInsurance    Topic = "insurance"
	TopicOffers       Topic = "offers"
	TopicPricing      Topic = "pricing"
	TopicAvailability Topic = "availability"
)

// topicOrder is the priority order in which unresolved topics are raised.
var topicOrder = []Topic{
	TopicNewPatients,
	TopicInsurance,
	TopicOffers,
	TopicPricing,
	TopicAvailability,
}

// topicPhrases are the canonical phrase sets used to detect, from the
// generated line, which topic the shopper actually raised.
var topicPhrases = map[Topic][]string{
	TopicNewPatients:  {"new patient", "looking for a dentist"},
	TopicInsurance:    {"insurance", "delta", "cigna"},
	TopicOffers:       {"special", "promotion", "offer"},
	TopicPricing:      {"cost", "price", "how much"},
	TopicAvailability: {"available", "appointment", "this week"},
}

// hesitationPhrases mark a line as a booking objection.
var hesitationPhrases = []string{"check my schedule", "not sure"}

// thankingPhrase signals the shopper is wrapping up.
const thankingPhrase = "thank"

// TopicState tracks whether a topic has been raised yet.
type TopicState struct {
	Topic    Topic
	Resolved bool
}

// CallerState is the ephemeral per-call conversation state. It lives only
// while the call is active and is owned exclusively by the Controller.
type CallerState struct {
	Step            int
	Topics          []TopicState
	BookingDeclines int
	Hesitations     []string
	EndSignal       bool

	history []speech.Message
}

// NewCallerState creates the initial conversation state.
func NewCallerState() *CallerState {
	topics := make([]TopicState, len(topicOrder))
	for i, t := range topicOrder {
		topics[i] = TopicState{Topic: t}
	}
	return &CallerState{Topics: topics}
}

// NextTopic returns the first unresolved topic, or false once all topics
// have been raised.
func (s *CallerState) NextTopic() (Topic, bool) {
	for _, ts := range s.Topics {
		if !ts.Resolved {
			return ts.Topic, true
		}
	}
	return "", false
}

// Observe updates the state from a line the shopper just said: topics the
// line raised become resolved, hesitations are recorded, and a thanking
// phrase sets the end signal.
func (s *CallerState) Observe(line string) {
	lower := strings.ToLower(line)

	for i := range s.Topics {
		if s.Topics[i].Resolved {
			continue
		}
		for _, phrase := range topicPhrases[s.Topics[i].Topic] {
			if strings.Contains(lower, phrase) {
				s.Topics[i].Resolved = true
				break
			}
		}
	}

	for _, phrase := range hesitationPhrases {
		if strings.Contains(lower, phrase) {
			s.Hesitations = append(s.Hesitations, line)
			s.BookingDeclines++
			break
		}
	}

	if strings.Contains(lower, thankingPhrase) {
		s.EndSignal = true
	}

	s.Step++
}
