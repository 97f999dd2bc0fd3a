package scoring

import (
	"sort"

	"shopcall-server/pkg/callrecord"
)

type recommendation struct {
	score int
	text  string
}

// GenerateInsights derives remediation advice and notable moments from the
// computed scores. It is deterministic and needs no judge.
func GenerateInsights(rubric *callrecord.RubricScores, sentiment *callrecord.SentimentScores) *callrecord.CallInsights {
	return &callrecord.CallInsights{
		BestMoment:        findBestMoment(rubric),
		MissedOpportunity: findMissedOpportunity(rubric),
		KeyMoments:        extractKeyMoments(rubric),
		Recommendations:   generateRecommendations(rubric, sentiment),
	}
}

// generateRecommendations collects a remediation line for every category
// below its threshold and keeps the three lowest-scoring.
func generateRecommendations(rubric *callrecord.RubricScores, sentiment *callrecord.SentimentScores) []string {
	var recs []recommendation

	if rubric.SpeedToAnswer.Points < 7 {
		recs = append(recs, recommendation{rubric.SpeedToAnswer.Points,
			"Improve answer speed: Calls should be answered within 10 seconds. Consider adding staff or implementing a call routing system."})
	}
	if rubric.GreetingIdentification.Points < 4 {
		recs = append(recs, recommendation{rubric.GreetingIdentification.Points,
			"Enhance greeting protocol: Staff should always include the practice name and their own name when answering calls."})
	}
	if rubric.BookingAttempts.Points < 8 {
		recs = append(recs, recommendation{rubric.BookingAttempts.Points,
			"Increase booking attempts: Front desk should make at least 2-3 attempts to schedule the appointment during the call."})
	}
	if rubric.OfferMention.Points < 7 {
		recs = append(recs, recommendation{rubric.OfferMention.Points,
			"Proactively mention new patient offers: Staff should clearly explain special promotions with specific details early in the conversation."})
	}
	if rubric.ContactInfoCapture.Points < 3 {
		recs = append(recs, recommendation{rubric.ContactInfoCapture.Points,
			"Capture caller information: Even if they don't book, always collect name and phone number for follow-up."})
	}
	if rubric.ObjectionHandling.Points < 4 {
		recs = append(recs, recommendation{rubric.ObjectionHandling.Points,
			"Improve objection handling: When callers hesitate, offer to hold a tentative appointment or schedule a callback."})
	}
	if rubric.PriceFraming.Points < 4 {
		recs = append(recs, recommendation{rubric.PriceFraming.Points,
			"Frame pricing with value: Always explain what's included before mentioning the price."})
	}
	if sentiment.Warmth.Points < 4 {
		recs = append(recs, recommendation{sentiment.Warmth.Points,
			"Increase warmth and friendliness: Train staff to use a welcoming tone and make callers feel valued."})
	}
	if sentiment.Confidence.Points < 4 {
		recs = append(recs, recommendation{sentiment.Confidence.Points,
			"Build confidence: Ensure staff know answers to common questions about pricing, insurance, and availability."})
	}
	if sentiment.Empathy.Points < 4 {
		recs = append(recs, recommendation{sentiment.Empathy.Points,
			"Show more empathy: Acknowledge caller concerns and validate their needs before moving to solutions."})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].score < recs[j].score })
	if len(recs) > 3 {
		recs = recs[:3]
	}

	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.text
	}
	return out
}

// findBestMoment runs a fixed priority list of checks; the first match wins.
func findBestMoment(rubric *callrecord.RubricScores) *callrecord.KeyMoment {
	if len(rubric.BookingAttempts.Attempts) > 0 {
		return &callrecord.KeyMoment{
			Quote:  rubric.BookingAttempts.Attempts[0],
			Reason: "Strong booking attempt - actively trying to schedule the patient",
		}
	}
	if rubric.OfferMention.Points >= 7 && rubric.OfferMention.Evidence != "" {
		return &callrecord.KeyMoment{
			Quote:  rubric.OfferMention.Evidence,
			Reason: "Excellent explanation of new patient offer with specific details",
		}
	}
	if rubric.GreetingIdentification.Points == 6 && rubric.GreetingIdentification.Evidence != "" {
		return &callrecord.KeyMoment{
			Quote:  rubric.GreetingIdentification.Evidence,
			Reason: "Professional greeting with practice name and staff identification",
		}
	}
	return nil
}

// findMissedOpportunity runs a fixed priority list of checks; the first match wins.
func findMissedOpportunity(rubric *callrecord.RubricScores) *callrecord.KeyMoment {
	if rubric.BookingAttempts.Count == 0 {
		return &callrecord.KeyMoment{
			Quote:  "Throughout the call",
			Reason: "Never attempted to schedule an appointment - missed conversion opportunity",
		}
	}
	if rubric.ContactInfoCapture.Points == 0 {
		return &callrecord.KeyMoment{
			Quote:  "Throughout the call",
			Reason: "Failed to capture caller contact information for follow-up",
		}
	}
	if rubric.OfferMention.Points == 0 {
		return &callrecord.KeyMoment{
			Quote:  "Throughout the call",
			Reason: "Never mentioned new patient specials or promotions",
		}
	}
	if rubric.ObjectionHandling.Points == 0 && rubric.ObjectionHandling.Evidence != "" {
		return &callrecord.KeyMoment{
			Quote:  rubric.ObjectionHandling.Evidence,
			Reason: "Caller expressed hesitation but receptionist didn't attempt to overcome it",
		}
	}
	return nil
}

func extractKeyMoments(rubric *callrecord.RubricScores) callrecord.KeyMoments {
	moments := callrecord.KeyMoments{
		BookingAttempts:   rubric.BookingAttempts.Attempts,
		OfferExplanations: []string{},
	}
	if moments.BookingAttempts == nil {
		moments.BookingAttempts = []string{}
	}
	if rubric.OfferMention.Evidence != "" {
		moments.OfferExplanations = []string{rubric.OfferMention.Evidence}
	}
	return moments
}
