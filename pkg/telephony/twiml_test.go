package telephony

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTurnPrompt(t *testing.T) {
	doc := TurnPrompt("Are you taking new patients?", "https://example.com/session/abc/turn?step=2")

	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, "<Response>")
	assert.Contains(t, doc, `voice="Polly.Joanna"`)
	assert.Contains(t, doc, "Are you taking new patients?")
	assert.Contains(t, doc, `input="speech"`)
	assert.Contains(t, doc, `speechTimeout="3"`)
	assert.Contains(t, doc, `timeout="10"`)
	assert.Contains(t, doc, "<Redirect>")
	assert.NotContains(t, doc, "<Hangup>")
}

func TestTurnPromptEscapesContent(t *testing.T) {
	doc := TurnPrompt("Cleanings & x-rays <today>?", "https://example.com/turn?step=1&callId=a")

	assert.Contains(t, doc, "Cleanings &amp; x-rays &lt;today&gt;?")
	assert.Contains(t, doc, "step=1&amp;callId=a")
	assert.NotContains(t, doc, "<today>")
}

func TestClosing(t *testing.T) {
	doc := Closing("That's all I needed today.")

	assert.Contains(t, doc, "That&#39;s all I needed today.")
	assert.Contains(t, doc, "Thank you so much for your help. Have a great day!")
	assert.Contains(t, doc, "<Hangup>")
	assert.NotContains(t, doc, "<Gather")
}

func TestApologyIsTerminal(t *testing.T) {
	doc := Apology()

	assert.Contains(t, doc, "technical difficulties")
	assert.Contains(t, doc, "<Hangup>")
	assert.NotContains(t, doc, "<Gather")
	assert.NotContains(t, doc, "<Redirect")
}

func TestMediaStreamConnect(t *testing.T) {
	doc := MediaStreamConnect("https://shopcall.example.com", "call-123")

	assert.Contains(t, doc, "<Connect>")
	assert.Contains(t, doc, `url="wss://shopcall.example.com/webhook/media-stream?callId=call-123"`)
}

func TestPlayDigits(t *testing.T) {
	doc := PlayDigits("1w2")
	assert.Contains(t, doc, `digits="1w2"`)
}
