package callrecord

import (
	"time"
)

// Speaker identifies which side of the call produced a transcript segment.
type Speaker string

const (
	// SpeakerAI is the synthetic mystery-shopper caller.
	SpeakerAI Speaker = "ai"
	// SpeakerOtherParty is the answering side, typically the front desk.
	SpeakerOtherParty Speaker = "other-party"
)

// Status represents the lifecycle state of a call.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusVoicemail  Status = "voicemail"
)

// statusRank orders statuses for monotonic forward progression.
var statusRank = map[Status]int{
	StatusInitiating: 0,
	StatusRinging:    1,
	StatusInProgress: 2,
	StatusVoicemail:  3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// PracticeInfo is the caller-supplied target metadata, immutable after creation.
type PracticeInfo struct {
	PracticeName  string `json:"practiceName"`
	PhoneNumber   string `json:"phoneNumber"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
	PrimaryOffer  string `json:"primaryOffer,omitempty"`
	InsuranceType string `json:"insuranceType,omitempty"`
}

// TranscriptSegment is one utterance in conversational order.
type TranscriptSegment struct {
	Speaker   Speaker `json:"speaker"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"` // seconds from call start
	// Confidence is the speech-recognition confidence for the other party;
	// zero for the AI's own lines.
	Confidence float64 `json:"confidence,omitempty"`
}

// CallRecord tracks one outbound test call from initiation through scoring.
type CallRecord struct {
	ID              string              `json:"id"`
	PracticeInfo    PracticeInfo        `json:"practiceInfo"`
	ProviderCallRef string              `json:"providerCallRef,omitempty"`
	Status          Status              `json:"status"`
	Transcript      []TranscriptSegment `json:"transcript,omitempty"`
	StartTime       *time.Time          `json:"startTime,omitempty"`
	EndTime         *time.Time          `json:"endTime,omitempty"`
	Duration        int                 `json:"duration,omitempty"` // seconds
	AudioURL        string              `json:"audioUrl,omitempty"`
	RubricScores    *RubricScores       `json:"rubricScores,omitempty"`
	SentimentScores *SentimentScores    `json:"sentimentScores,omitempty"`
	OverallScore    int                 `json:"overallScore,omitempty"`
	LetterGrade     LetterGrade         `json:"letterGrade,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// AdvanceStatus moves the record to the target status if that is a forward
// transition. Backward transitions are dropped so replayed webhooks cannot
// regress the lifecycle. Returns true if the status changed.
func (r *CallRecord) AdvanceStatus(target Status) bool {
	cur, ok := statusRank[r.Status]
	if !ok {
		cur = -1
	}
	next, ok := statusRank[target]
	if !ok {
		return false
	}
	if next < cur {
		return false
	}
	if r.Status == target {
		return false
	}
	// Both terminal states share a rank; the first one to land wins.
	if r.Status.Terminal() {
		return false
	}
	r.Status = target
	return true
}

// AppendSegment appends an utterance to the transcript. Append order is the
// authoritative conversational order.
func (r *CallRecord) AppendSegment(seg TranscriptSegment) {
	r.Transcript = append(r.Transcript, seg)
}

// ReceptionistLines returns the other party's utterances in order.
func (r *CallRecord) ReceptionistLines() []string {
	var lines []string
	for _, seg := range r.Transcript {
		if seg.Speaker == SpeakerOtherParty {
			lines = append(lines, seg.Text)
		}
	}
	return lines
}

// Scored reports whether the record already carries scoring results.
func (r *CallRecord) Scored() bool {
	return r.RubricScores != nil && r.SentimentScores != nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}

	out := *r
	if r.Transcript != nil {
		out.Transcript = make([]TranscriptSegment, len(r.Transcript))
		copy(out.Transcript, r.Transcript)
	}
	if r.StartTime != nil {
		t := *r.StartTime
		out.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	if r.RubricScores != nil {
		out.RubricScores = r.RubricScores.Clone()
	}
	if r.SentimentScores != nil {
		s := *r.SentimentScores
		out.SentimentScores = &s
	}
	return &out
}
