package scoring

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/metrics"
)

var (
	staffNamePattern = regexp.MustCompile(`(?i)\b(this is|my name is|i'm|speaking with)\s+\w+`)
	genericGreeting  = regexp.MustCompile(`(?i)\b(hello|hi|good morning|good afternoon)\b`)

	bookingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(schedule|book|appointment|come in|available|calendar|when can you)\b`),
		regexp.MustCompile(`(?i)\b(what day|this week|next week|monday|tuesday|wednesday|thursday|friday)\b`),
		regexp.MustCompile(`(?i)\b(let me get you|let's get you|i can get you in)\b`),
	}

	nameRequestPattern    = regexp.MustCompile(`(?i)\b(your name|what's your name|may i have your name|can i get your name)\b`)
	contactRequestPattern = regexp.MustCompile(`(?i)\b(phone number|email|contact|callback|reach you)\b`)
	contactEvidence       = regexp.MustCompile(`(?i)name|phone|email`)

	hesitationPattern = regexp.MustCompile(`(?i)\b(not sure|check my schedule|let me think|need to|maybe|i'll call back)\b`)
)

// judgeAnswer is the structured response every rubric judge prompt demands.
type judgeAnswer struct {
	Points   int    `json:"points"`
	Category string `json:"category"`
	Evidence string `json:"evidence"`
}

// scoreRubric computes the 70-point objective rubric. Four categories are
// deterministic pattern checks, five are judged from the full transcript.
func (e *Engine) scoreRubric(ctx context.Context, record *callrecord.CallRecord) *callrecord.RubricScores {
	lines := record.ReceptionistLines()
	transcript := renderTranscript(record.Transcript)

	speed := scoreSpeedToAnswer(record.CreatedAt, record.StartTime)
	greeting := scoreGreeting(lines, record.PracticeInfo)
	booking := scoreBookingAttempts(lines)
	contact := scoreContactInfoCapture(lines)

	newPatient := e.runJudge(ctx, "new_patient", newPatientPrompt(transcript), 6, "no/dismissive")
	insurance := e.runJudge(ctx, "insurance", insurancePrompt(transcript, record.PracticeInfo), 8, "wrong/none")
	offer := e.runJudge(ctx, "offer", offerPrompt(transcript, record.PracticeInfo), 10, "no mention")
	price := e.runJudge(ctx, "price_framing", pricePrompt(transcript), 6, "avoidance")
	objection := e.scoreObjectionHandling(ctx, record.Transcript, transcript)

	scores := &callrecord.RubricScores{
		SpeedToAnswer:          speed,
		GreetingIdentification: greeting,
		NewPatientAcceptance:   newPatient,
		InsuranceHandling:      insurance,
		OfferMention:           offer,
		PriceFraming:           price,
		BookingAttempts:        booking,
		ContactInfoCapture:     contact,
		ObjectionHandling:      objection,
		Evidence:               collectEvidence(greeting, newPatient, insurance, offer, price, booking, contact, objection),
	}
	scores.Total = scores.Sum()
	return scores
}

// scoreSpeedToAnswer grades the gap between dialing and the call being
// answered. An unanswered call scores zero.
func scoreSpeedToAnswer(dialedAt time.Time, answeredAt *time.Time) callrecord.SpeedToAnswerScore {
	if answeredAt == nil {
		return callrecord.SpeedToAnswerScore{Points: 0, Category: "30+ sec / voicemail"}
	}

	seconds := answeredAt.Sub(dialedAt).Seconds()
	switch {
	case seconds <= 10:
		return callrecord.SpeedToAnswerScore{Points: 10, Seconds: seconds, Category: "≤10 sec"}
	case seconds <= 20:
		return callrecord.SpeedToAnswerScore{Points: 7, Seconds: seconds, Category: "11-20 sec"}
	case seconds <= 30:
		return callrecord.SpeedToAnswerScore{Points: 4, Seconds: seconds, Category: "21-30 sec"}
	default:
		return callrecord.SpeedToAnswerScore{Points: 0, Seconds: seconds, Category: "30+ sec / voicemail"}
	}
}

// scoreGreeting checks the first receptionist line for the practice name and
// a self-identification.
func scoreGreeting(lines []string, practice callrecord.PracticeInfo) callrecord.CategoryScore {
	if len(lines) == 0 {
		return callrecord.CategoryScore{Points: 0, Category: "no greeting"}
	}

	first := lines[0]
	lowered := strings.ToLower(first)
	hasPracticeName := practice.PracticeName != "" &&
		strings.Contains(lowered, strings.ToLower(practice.PracticeName))
	hasStaffName := staffNamePattern.MatchString(first)

	switch {
	case hasPracticeName && hasStaffName:
		return callrecord.CategoryScore{Points: 6, Category: "name + staff", Evidence: first}
	case hasPracticeName:
		return callrecord.CategoryScore{Points: 4, Category: "name only", Evidence: first}
	case genericGreeting.MatchString(first):
		return callrecord.CategoryScore{Points: 2, Category: "generic", Evidence: first}
	default:
		return callrecord.CategoryScore{Points: 0, Category: "no greeting"}
	}
}

// scoreBookingAttempts counts distinct receptionist lines containing booking
// language. A repeated identical line counts once.
func scoreBookingAttempts(lines []string) callrecord.BookingAttemptsScore {
	var attempts []string
	for _, line := range lines {
		matched := false
		for _, pattern := range bookingPatterns {
			if pattern.MatchString(line) {
				matched = true
				break
			}
		}
		if matched && !contains(attempts, line) {
			attempts = append(attempts, line)
		}
	}

	points := 0
	switch {
	case len(attempts) >= 3:
		points = 12
	case len(attempts) == 2:
		points = 8
	case len(attempts) == 1:
		points = 4
	}

	return callrecord.BookingAttemptsScore{Points: points, Count: len(attempts), Attempts: attempts}
}

// scoreContactInfoCapture checks whether the receptionist asked for a name
// and a way to reach the caller.
func scoreContactInfoCapture(lines []string) callrecord.CategoryScore {
	fullText := strings.Join(lines, " ")
	asksName := nameRequestPattern.MatchString(fullText)
	asksContact := contactRequestPattern.MatchString(fullText)

	if !asksName && !asksContact {
		return callrecord.CategoryScore{Points: 0, Category: "no attempt"}
	}

	evidence := ""
	for _, line := range lines {
		if contactEvidence.MatchString(line) {
			evidence = line
			break
		}
	}

	if asksName && asksContact {
		return callrecord.CategoryScore{Points: 6, Category: "name + contact", Evidence: evidence}
	}
	return callrecord.CategoryScore{Points: 3, Category: "one item", Evidence: evidence}
}

// scoreObjectionHandling judges how hesitation from the caller was handled.
// When the caller never hesitated there is nothing to handle and the
// category scores neutral without a judge call.
func (e *Engine) scoreObjectionHandling(ctx context.Context, transcript []callrecord.TranscriptSegment, rendered string) callrecord.CategoryScore {
	hasObjection := false
	for _, seg := range transcript {
		if seg.Speaker == callrecord.SpeakerAI && hesitationPattern.MatchString(seg.Text) {
			hasObjection = true
			break
		}
	}
	if !hasObjection {
		return callrecord.CategoryScore{Points: 3, Category: "mild reassurance", Evidence: "No objection raised"}
	}

	return e.runJudge(ctx, "objection_handling", objectionPrompt(rendered), 6, "lets lead walk")
}

// runJudge executes one judged category. Points are clamped into the
// category's range; a failed or malformed judge response falls back to the
// lowest category at zero points.
func (e *Engine) runJudge(ctx context.Context, category, prompt string, maxPoints int, fallbackCategory string) callrecord.CategoryScore {
	if metrics.IsMetricsEnabled() {
		metrics.JudgeRequests.WithLabelValues(category).Inc()
	}
	started := time.Now()

	var answer judgeAnswer
	err := e.judge.CompleteJSON(ctx, prompt, &answer)

	if metrics.IsMetricsEnabled() {
		metrics.JudgeLatency.Observe(time.Since(started).Seconds())
	}

	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.JudgeFailures.WithLabelValues(category).Inc()
		}
		e.logger.WithError(err).WithField("category", category).Warn("Judge failed, using fallback score")
		return callrecord.CategoryScore{Points: 0, Category: fallbackCategory}
	}

	result := callrecord.CategoryScore{
		Points:   clamp(answer.Points, 0, maxPoints),
		Category: answer.Category,
		Evidence: answer.Evidence,
	}
	if result.Category == "" {
		result.Category = fallbackCategory
	}
	return result
}

func newPatientPrompt(transcript string) string {
	return fmt.Sprintf(`Analyze this dental office phone call transcript and score the receptionist's response to the new patient inquiry.

Transcript:
%s

Score based on these criteria:
- 6 points: Clear yes + next step ("Yes, we'd love to have you! Let me get you scheduled...")
- 4 points: Clear yes only ("Yes, we are accepting new patients")
- 2 points: Hesitant ("We might have room" or "Let me check")
- 0 points: No or dismissive ("We're not taking new patients" or ignores question)

Return JSON: { "points": number, "category": string, "evidence": string }`, transcript)
}

func insurancePrompt(transcript string, practice callrecord.PracticeInfo) string {
	insurance := practice.InsuranceType
	if insurance == "" {
		insurance = "Delta Dental"
	}
	return fmt.Sprintf(`Analyze this dental office phone call transcript and score the receptionist's insurance handling.

Insurance asked about: %s

Transcript:
%s

Score based on these criteria:
- 8 points: Clear answer + keeps booking flow moving
- 6 points: "Bring card, we'll verify" + moves forward
- 5 points: Clear answer but conversation stalls
- 2 points: Insurance becomes a gate (won't move forward without verification)
- 0 points: Wrong/confusing/no answer

Return JSON: { "points": number, "category": string, "evidence": string }`, insurance, transcript)
}

func offerPrompt(transcript string, practice callrecord.PracticeInfo) string {
	offerLine := "No specific offer provided"
	if practice.PrimaryOffer != "" {
		offerLine = "Expected offer: " + practice.PrimaryOffer
	}
	return fmt.Sprintf(`Analyze this dental office phone call transcript and score how the receptionist mentioned new patient offers/specials.

%s

Transcript:
%s

Score based on these criteria:
- 10 points: Specific offer with details ("$99 cleaning, exam, and x-rays")
- 7 points: Vague offer mentioned ("We have a new patient special")
- 3 points: "Check our website" or uncertainty
- 0 points: No mention at all

Return JSON: { "points": number, "category": string, "evidence": string }`, offerLine, transcript)
}

func pricePrompt(transcript string) string {
	return fmt.Sprintf(`Analyze this dental office phone call transcript and score how the receptionist handled pricing questions.

Transcript:
%s

Score based on these criteria:
- 6 points: Value framing before number ("With our comprehensive exam including x-rays, it's $150")
- 4 points: Range + value ("Typically $120-$180 depending on what you need")
- 2 points: Raw price only ("It's $150")
- 0 points: Avoidance ("You'll need to call insurance" or doesn't answer)

Return JSON: { "points": number, "category": string, "evidence": string }`, transcript)
}

func objectionPrompt(transcript string) string {
	return fmt.Sprintf(`Analyze this dental office phone call transcript and score how the receptionist handled the caller's hesitation/objection.

Transcript:
%s

Score based on these criteria:
- 6 points: Provides reassurance + creates easy next step ("No problem! I can hold a spot for you and call tomorrow to confirm")
- 3 points: Mild reassurance ("That's fine, just give us a call when you're ready")
- 0 points: Lets lead walk away with no follow-up attempt

Return JSON: { "points": number, "category": string, "evidence": string }`, transcript)
}

func collectEvidence(
	greeting, newPatient, insurance, offer, price callrecord.CategoryScore,
	booking callrecord.BookingAttemptsScore,
	contact, objection callrecord.CategoryScore,
) map[string][]callrecord.EvidenceQuote {
	evidence := map[string][]callrecord.EvidenceQuote{
		"greeting":          quoteList(greeting.Evidence),
		"newPatient":        quoteList(newPatient.Evidence),
		"insurance":         quoteList(insurance.Evidence),
		"offer":             quoteList(offer.Evidence),
		"priceFraming":      quoteList(price.Evidence),
		"contactInfo":       quoteList(contact.Evidence),
		"objectionHandling": quoteList(objection.Evidence),
	}

	quotes := make([]callrecord.EvidenceQuote, 0, len(booking.Attempts))
	for i, attempt := range booking.Attempts {
		quotes = append(quotes, callrecord.EvidenceQuote{Quote: attempt, Timestamp: float64(i)})
	}
	evidence["bookingAttempts"] = quotes

	return evidence
}

func quoteList(evidence string) []callrecord.EvidenceQuote {
	if evidence == "" {
		return []callrecord.EvidenceQuote{}
	}
	return []callrecord.EvidenceQuote{{Quote: evidence, Timestamp: 0}}
}

func renderTranscript(segments []callrecord.TranscriptSegment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(seg.Speaker))
		b.WriteString(": ")
		b.WriteString(seg.Text)
	}
	return b.String()
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
