package callrecord

// LetterGrade is the A-F grade derived from a percentage.
type LetterGrade string

const (
	GradeA LetterGrade = "A"
	GradeB LetterGrade = "B"
	GradeC LetterGrade = "C"
	GradeD LetterGrade = "D"
	GradeF LetterGrade = "F"
)

// RubricTotalMax is the maximum objective rubric score.
const RubricTotalMax = 70

// SentimentTotalMax is the maximum sentiment score.
const SentimentTotalMax = 30

// CategoryScore is a judged or pattern-matched rubric category result.
type CategoryScore struct {
	Points   int    `json:"points"`
	Category string `json:"category"`
	Evidence string `json:"evidence,omitempty"`
}

// SpeedToAnswerScore grades how fast the call was answered.
type SpeedToAnswerScore struct {
	Points   int     `json:"points"`
	Seconds  float64 `json:"seconds,omitempty"`
	Category string  `json:"category"`
}

// BookingAttemptsScore counts distinct booking attempts by the front desk.
type BookingAttemptsScore struct {
	Points   int      `json:"points"`
	Count    int      `json:"count"`
	Attempts []string `json:"attempts"`
}

// EvidenceQuote ties a supporting quote to its transcript position.
type EvidenceQuote struct {
	Quote     string  `json:"quote"`
	Timestamp float64 `json:"timestamp"`
}

// RubricScores is the objective rubric result, 70 points across 9 categories.
type RubricScores struct {
	SpeedToAnswer          SpeedToAnswerScore         `json:"speedToAnswer"`
	GreetingIdentification CategoryScore              `json:"greetingIdentification"`
	NewPatientAcceptance   CategoryScore              `json:"newPatientAcceptance"`
	InsuranceHandling      CategoryScore              `json:"insuranceHandling"`
	OfferMention           CategoryScore              `json:"offerMention"`
	PriceFraming           CategoryScore              `json:"priceFraming"`
	BookingAttempts        BookingAttemptsScore       `json:"bookingAttempts"`
	ContactInfoCapture     CategoryScore              `json:"contactInfoCapture"`
	ObjectionHandling      CategoryScore              `json:"objectionHandling"`
	Total                  int                        `json:"total"`
	Evidence               map[string][]EvidenceQuote `json:"evidence,omitempty"`
}

// Sum returns the literal sum of the nine category point values.
func (r *RubricScores) Sum() int {
	return r.SpeedToAnswer.Points +
		r.GreetingIdentification.Points +
		r.NewPatientAcceptance.Points +
		r.InsuranceHandling.Points +
		r.OfferMention.Points +
		r.PriceFraming.Points +
		r.BookingAttempts.Points +
		r.ContactInfoCapture.Points +
		r.ObjectionHandling.Points
}

// Clone returns a deep copy of the rubric scores.
func (r *RubricScores) Clone() *RubricScores {
	if r == nil {
		return nil
	}
	out := *r
	if r.BookingAttempts.Attempts != nil {
		out.BookingAttempts.Attempts = make([]string, len(r.BookingAttempts.Attempts))
		copy(out.BookingAttempts.Attempts, r.BookingAttempts.Attempts)
	}
	if r.Evidence != nil {
		out.Evidence = make(map[string][]EvidenceQuote, len(r.Evidence))
		for k, v := range r.Evidence {
			quotes := make([]EvidenceQuote, len(v))
			copy(quotes, v)
			out.Evidence[k] = quotes
		}
	}
	return &out
}

// SentimentDimension is one judged soft-skill dimension, 0-6 points.
type SentimentDimension struct {
	Points        int    `json:"points"`
	Justification string `json:"justification"`
}

// SentimentScores is the judge-derived soft-skills result, 30 points across
// five dimensions.
type SentimentScores struct {
	Warmth           SentimentDimension `json:"warmth"`
	Confidence       SentimentDimension `json:"confidence"`
	Clarity          SentimentDimension `json:"clarity"`
	Empathy          SentimentDimension `json:"empathy"`
	ProfessionalTone SentimentDimension `json:"professionalTone"`
	Total            int                `json:"total"`
}

// Sum returns the literal sum of the five dimension point values.
func (s *SentimentScores) Sum() int {
	return s.Warmth.Points +
		s.Confidence.Points +
		s.Clarity.Points +
		s.Empathy.Points +
		s.ProfessionalTone.Points
}

// GradeBreakdown carries independently computed grades for each scale.
type GradeBreakdown struct {
	Overall   LetterGrade `json:"overall"`
	Objective LetterGrade `json:"objective"`
	Sentiment LetterGrade `json:"sentiment"`
}

// KeyMoment is a notable quote surfaced by insights generation.
type KeyMoment struct {
	Quote     string  `json:"quote"`
	Timestamp float64 `json:"timestamp"`
	Reason    string  `json:"reason"`
}

// KeyMoments groups quotes worth surfacing on a scorecard.
type KeyMoments struct {
	BookingAttempts   []string `json:"bookingAttempts"`
	OfferExplanations []string `json:"offerExplanations"`
}

// CallInsights is the remediation summary derived from the scores.
type CallInsights struct {
	BestMoment        *KeyMoment `json:"bestMoment,omitempty"`
	MissedOpportunity *KeyMoment `json:"missedOpportunity,omitempty"`
	KeyMoments        KeyMoments `json:"keyMoments"`
	Recommendations   []string   `json:"recommendations"`
}
