package telephony

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// TwiML rendering for the call-control documents the provider executes.
// Only the vocabulary this service emits is modeled.

const twimlHeader = xml.Header

// Voice used for all synthesized prompts.
const promptVoice = "Polly.Joanna"

type sayVerb struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type pauseVerb struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type playVerb struct {
	XMLName xml.Name `xml:"Play"`
	Digits  string   `xml:"digits,attr,omitempty"`
}

type gatherVerb struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr"`
	Timeout       int      `xml:"timeout,attr"`
	Language      string   `xml:"language,attr"`
	Pause         *pauseVerb
}

type redirectVerb struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

type streamNoun struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
}

type connectVerb struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  streamNoun
}

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []interface{}
}

func render(verbs ...interface{}) string {
	var buf bytes.Buffer
	buf.WriteString(twimlHeader)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	// Encoding of a fixed vocabulary cannot fail on well-formed input.
	enc.Encode(response{Verbs: verbs})
	enc.Flush()
	return buf.String()
}

// TurnPrompt speaks the AI's line and gathers the next utterance, redirecting
// to the following step if nothing is heard.
func TurnPrompt(line, actionURL string) string {
	return render(
		sayVerb{Voice: promptVoice, Text: line},
		gatherVerb{
			Input:         "speech",
			Action:        actionURL,
			Method:        "POST",
			SpeechTimeout: "3",
			Timeout:       10,
			Language:      "en-US",
			Pause:         &pauseVerb{Length: 5},
		},
		redirectVerb{URL: actionURL},
	)
}

// Closing speaks the final line, thanks the other party and hangs up.
func Closing(line string) string {
	return render(
		sayVerb{Voice: promptVoice, Text: line},
		pauseVerb{Length: 2},
		sayVerb{Voice: promptVoice, Text: "Thank you so much for your help. Have a great day!"},
		hangupVerb{},
	)
}

// Apology is the terminal document used when turn processing fails. Every
// turn must still end in a valid call-control document.
func Apology() string {
	return render(
		sayVerb{Voice: promptVoice, Text: "I apologize, but we're experiencing technical difficulties. Goodbye."},
		hangupVerb{},
	)
}

// MediaStreamConnect bridges the call audio to the media-stream websocket.
func MediaStreamConnect(callbackBase, callID string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(callbackBase, "https://"), "http://")
	return render(
		sayVerb{Voice: "alice", Text: "Connecting you now."},
		connectVerb{Stream: streamNoun{
			URL: fmt.Sprintf("wss://%s/webhook/media-stream?callId=%s", host, callID),
		}},
		pauseVerb{Length: 180},
		sayVerb{Voice: "alice", Text: "Thank you for your time. Goodbye."},
	)
}

// PlayDigits renders the DTMF injection document used by SendDigits.
func PlayDigits(digits string) string {
	return render(playVerb{Digits: digits})
}
