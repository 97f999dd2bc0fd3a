package httpsrv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/config"
	"shopcall-server/pkg/conversation"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/observer"
	"shopcall-server/pkg/scoring"
	"shopcall-server/pkg/speech"
	"shopcall-server/pkg/telephony"
)

type stubGateway struct {
	mu        sync.Mutex
	placed    []string
	digits    []string
	hangups   []string
	placeErr  error
	signalErr error
}

func (g *stubGateway) PlaceCall(ctx context.Context, destination, callID string, mode telephony.CallMode) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return "", g.placeErr
	}
	g.placed = append(g.placed, destination)
	return "CA123", nil
}

func (g *stubGateway) SendDigits(ctx context.Context, providerCallRef, digits string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.signalErr != nil {
		return g.signalErr
	}
	g.digits = append(g.digits, digits)
	return nil
}

func (g *stubGateway) Hangup(ctx context.Context, providerCallRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangups = append(g.hangups, providerCallRef)
	return nil
}

type stubGenerator struct {
	line string
	err  error
}

func (g *stubGenerator) Complete(ctx context.Context, system string, history []speech.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.line, nil
}

type stubJudge struct {
	response string
	err      error
}

func (j *stubJudge) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	if j.err != nil {
		return j.err
	}
	return json.Unmarshal([]byte(j.response), out)
}

type testEnv struct {
	server  *Server
	store   callrecord.Store
	gateway *stubGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Telephony: config.TelephonyConfig{
			CallbackURL: "https://shopcall.example.com",
		},
		Conversation: config.ConversationConfig{
			SoftStepLimit:     10,
			HardStepLimit:     12,
			MaxTranscriptSize: 20,
			BookingResistance: 2,
		},
	}

	store := callrecord.NewMemoryStore(logger)
	gateway := &stubGateway{}
	hub := observer.NewHub(logger, store)
	controller := conversation.NewController(logger, store,
		&stubGenerator{line: "That sounds great, thank you!"}, hub, &cfg.Conversation)
	engine := scoring.NewEngine(logger, &stubJudge{response: `{"points": 4, "category": "solid", "evidence": ""}`})

	server := NewServer(logger, cfg, store, gateway, controller, hub, nil, engine, nil)
	return &testEnv{server: server, store: store, gateway: gateway}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func createSession(t *testing.T, env *testEnv) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/session", map[string]interface{}{
		"practiceName": "Bright Smile Dental",
		"phoneNumber":  "+15551234567",
		"primaryOffer": "$99 new patient special",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON(t, rec)["callId"].(string)
}

func TestCreateSessionPlacesCall(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/session", map[string]interface{}{
		"practiceName": "Bright Smile Dental",
		"phoneNumber":  "+15551234567",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	callID := body["callId"].(string)
	assert.NotEmpty(t, callID)
	assert.Equal(t, "CA123", body["providerCallRef"])
	assert.Equal(t, []string{"+15551234567"}, env.gateway.placed)

	record, err := env.store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusRinging, record.Status)
	assert.Equal(t, "CA123", record.ProviderCallRef)
	assert.Equal(t, "Bright Smile Dental", record.PracticeInfo.PracticeName)
}

func TestCreateSessionRequiresPracticeFields(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/session", map[string]interface{}{
		"practiceName": "Bright Smile Dental",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionDialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.placeErr = errors.Wrap(errors.ErrDialFailed, "provider rejected the number")

	rec := env.do(t, http.MethodPost, "/session", map[string]interface{}{
		"practiceName": "Bright Smile Dental",
		"phoneNumber":  "+15551234567",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The record is kept with a failed status for inspection.
	records, err := env.store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, callrecord.StatusFailed, records[0].Status)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	createSession(t, env)
	createSession(t, env)

	rec := env.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, float64(2), body["count"])
}

func TestGetSessionUnknown(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/session/no-such-call", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/session", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusWebhookLifecycle(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	rec := env.postForm(t, "/webhook/status?callId="+callID, url.Values{
		"CallStatus": {"in-progress"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := env.store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusInProgress, record.Status)
	require.NotNil(t, record.StartTime)

	rec = env.postForm(t, "/webhook/status?callId="+callID, url.Values{
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	record, err = env.store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusCompleted, record.Status)
	assert.Equal(t, 42, record.Duration)
	require.NotNil(t, record.EndTime)
}

func TestStatusWebhookReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	env.postForm(t, "/webhook/status?callId="+callID, url.Values{
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
	})
	first, err := env.store.Get(callID)
	require.NoError(t, err)

	// Replayed webhook and a late "ringing" must not disturb the record.
	env.postForm(t, "/webhook/status?callId="+callID, url.Values{
		"CallStatus":   {"completed"},
		"CallDuration": {"99"},
	})
	env.postForm(t, "/webhook/status?callId="+callID, url.Values{
		"CallStatus": {"ringing"},
	})

	record, err := env.store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusCompleted, record.Status)
	assert.Equal(t, first.Duration, record.Duration)
	assert.Equal(t, first.EndTime.Unix(), record.EndTime.Unix())
}

func TestStatusWebhookUnknownCallStillAcks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postForm(t, "/webhook/status?callId=no-such-call", url.Values{
		"CallStatus": {"completed"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecordingWebhookStoresAudioURL(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	rec := env.postForm(t, "/webhook/recording?callId="+callID, url.Values{
		"RecordingStatus": {"completed"},
		"RecordingUrl":    {"https://api.example.com/recordings/RE1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := env.store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/recordings/RE1.mp3", record.AudioURL)
}

func TestTurnReturnsPromptDocument(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	rec := env.postForm(t, fmt.Sprintf("/session/%s/turn?step=0", callID), url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "<Gather")
	assert.Contains(t, body, "/session/"+callID+"/turn?step=1")
}

func TestTurnUnknownCallSendsApology(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postForm(t, "/session/no-such-call/turn?step=0", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<Hangup")
}

func TestSignalSendsDigit(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	rec := env.do(t, http.MethodPost, "/session/"+callID+"/signal", map[string]interface{}{
		"digit": "5",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"5"}, env.gateway.digits)
}

func readObserverEvent(t *testing.T, conn *websocket.Conn) observer.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event observer.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestSignalPublishesIVREvent(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	server := httptest.NewServer(env.server.Handler())
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/session/" + callID + "/observe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Consume the snapshot status event delivered on attach.
	first := readObserverEvent(t, conn)
	require.Equal(t, observer.EventStatus, first.Type)

	rec := env.do(t, http.MethodPost, "/session/"+callID+"/signal", map[string]interface{}{
		"digit": "5",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	event := readObserverEvent(t, conn)
	assert.Equal(t, observer.EventIVR, event.Type)
	data, ok := event.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "5", data["digit"])
}

func TestSignalRejectsTerminalCall(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	env.postForm(t, "/webhook/status?callId="+callID, url.Values{
		"CallStatus": {"completed"},
	})

	rec := env.do(t, http.MethodPost, "/session/"+callID+"/signal", map[string]interface{}{
		"action": "hangup",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestObserveSnapshot(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	rec := env.do(t, http.MethodGet, "/session/"+callID+"/observe", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, string(callrecord.StatusRinging), body["status"])
	assert.NotNil(t, body["transcript"])
}

func TestScoreEmptyTranscript(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	rec := env.do(t, http.MethodPost, "/score/"+callID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScorePersistsAndIsRepeatable(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	_, err := env.store.Update(callID, func(r *callrecord.CallRecord) error {
		started := time.Now().Add(-60 * time.Second)
		r.Status = callrecord.StatusCompleted
		r.StartTime = &started
		r.Transcript = []callrecord.TranscriptSegment{
			{Speaker: callrecord.SpeakerOtherParty, Text: "Bright Smile Dental, this is Amy speaking.", Timestamp: 3},
			{Speaker: callrecord.SpeakerAI, Text: "Hi, do you take new patients?", Timestamp: 6},
			{Speaker: callrecord.SpeakerOtherParty, Text: "We do! Can I get your name and number?", Timestamp: 9},
		}
		return nil
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/score/"+callID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	scores := body["scores"].(map[string]interface{})
	assert.NotNil(t, scores["rubric"])
	assert.NotNil(t, scores["grades"])

	record, err := env.store.Get(callID)
	require.NoError(t, err)
	require.True(t, record.Scored())
	firstOverall := record.OverallScore

	// A second POST derives from stored scores instead of re-judging.
	rec = env.do(t, http.MethodPost, "/score/"+callID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	record, err = env.store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, firstOverall, record.OverallScore)
}

func TestGetScoresBeforeScoring(t *testing.T) {
	env := newTestEnv(t)
	callID := createSession(t, env)

	rec := env.do(t, http.MethodGet, "/score/"+callID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["amqp_enabled"])
}
