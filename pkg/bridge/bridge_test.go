package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/speech"
)

type stubSession struct {
	mu     sync.Mutex
	audio  []string
	closed bool
}

func (s *stubSession) SendAudio(audioB64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audioB64)
	return nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stubFactory struct {
	mu       sync.Mutex
	session  *stubSession
	handlers speech.SessionHandlers
	err      error
	opens    int
}

func (f *stubFactory) Open(ctx context.Context, callID string, handlers speech.SessionHandlers) (speech.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.handlers = handlers
	f.opens++
	return f.session, nil
}

func (f *stubFactory) isOpened() bool {
	return f.openCount() > 0
}

func (f *stubFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *stubFactory) sessionHandlers() speech.SessionHandlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

type recordingNotifier struct {
	mu          sync.Mutex
	statuses    []callrecord.Status
	transcripts []callrecord.TranscriptSegment
	audio       []string
	errs        []string
}

func (n *recordingNotifier) NotifyStatus(callID string, status callrecord.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) statusEvents() []callrecord.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]callrecord.Status, len(n.statuses))
	copy(out, n.statuses)
	return out
}

func (n *recordingNotifier) NotifyTranscript(callID string, segment callrecord.TranscriptSegment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transcripts = append(n.transcripts, segment)
}

func (n *recordingNotifier) NotifyAudio(callID string, audioB64 string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.audio = append(n.audio, audioB64)
}

func (n *recordingNotifier) NotifyError(callID string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, message)
}

func (n *recordingNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

type bridgeHarness struct {
	bridge   *Bridge
	store    callrecord.Store
	factory  *stubFactory
	notifier *recordingNotifier
	conn     *websocket.Conn
	callID   string
	done     chan struct{}
}

func newBridgeHarness(t *testing.T, factory *stubFactory) *bridgeHarness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := callrecord.NewMemoryStore(logger)
	record, err := store.Create(callrecord.PracticeInfo{
		PracticeName: "Bright Smile Dental",
		PhoneNumber:  "+15551234567",
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	b := New(logger, store, factory, notifier)

	done := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.Handle(r.Context(), conn, record.ID)
		close(done)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &bridgeHarness{
		bridge:   b,
		store:    store,
		factory:  factory,
		notifier: notifier,
		conn:     conn,
		callID:   record.ID,
		done:     done,
	}
}

func (h *bridgeHarness) send(t *testing.T, msg mediaMessage) {
	t.Helper()
	require.NoError(t, h.conn.WriteJSON(msg))
}

func (h *bridgeHarness) start(t *testing.T) {
	t.Helper()
	h.send(t, mediaMessage{Event: "connected"})
	h.send(t, mediaMessage{
		Event: "start",
		Start: &startPayload{StreamSid: "MZ123", CallSid: "CA123"},
	})
	require.Eventually(t, h.factory.isOpened, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeRelaysCallerAudioToSpeech(t *testing.T) {
	session := &stubSession{}
	h := newBridgeHarness(t, &stubFactory{session: session})
	h.start(t)

	h.send(t, mediaMessage{Event: "media", Media: &mediaPayload{Payload: "dGVzdA=="}})

	require.Eventually(t, func() bool {
		return len(session.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "dGVzdA==", session.received()[0])
}

func TestBridgeRelaysSpeechAudioToCaller(t *testing.T) {
	session := &stubSession{}
	h := newBridgeHarness(t, &stubFactory{session: session})
	h.start(t)

	h.factory.sessionHandlers().OnAudio("c3BlZWNo")

	var msg mediaMessage
	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, h.conn.ReadJSON(&msg))
	assert.Equal(t, "media", msg.Event)
	assert.Equal(t, "MZ123", msg.StreamSid)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "c3BlZWNo", msg.Media.Payload)
}

func TestBridgeRecordsTranscripts(t *testing.T) {
	session := &stubSession{}
	h := newBridgeHarness(t, &stubFactory{session: session})
	h.start(t)

	handlers := h.factory.sessionHandlers()
	handlers.OnTranscript(speech.TranscriptEvent{Speaker: "ai", Text: "Do you take new patients?"})
	handlers.OnTranscript(speech.TranscriptEvent{Speaker: "user", Text: "We sure do!"})

	record, err := h.store.Get(h.callID)
	require.NoError(t, err)
	require.Len(t, record.Transcript, 2)
	assert.Equal(t, callrecord.SpeakerAI, record.Transcript[0].Speaker)
	assert.Equal(t, callrecord.SpeakerOtherParty, record.Transcript[1].Speaker)
	assert.Equal(t, "We sure do!", record.Transcript[1].Text)
}

func TestBridgeMarksCallInProgressOnStart(t *testing.T) {
	session := &stubSession{}
	h := newBridgeHarness(t, &stubFactory{session: session})
	h.start(t)

	require.Eventually(t, func() bool {
		record, err := h.store.Get(h.callID)
		return err == nil && record.StartTime != nil
	}, 2*time.Second, 10*time.Millisecond)

	record, err := h.store.Get(h.callID)
	require.NoError(t, err)
	assert.Equal(t, callrecord.StatusInProgress, record.Status)
}

func TestBridgeStopTearsDownBothLegs(t *testing.T) {
	session := &stubSession{}
	h := newBridgeHarness(t, &stubFactory{session: session})
	h.start(t)
	require.True(t, h.bridge.Active(h.callID))

	h.send(t, mediaMessage{Event: "stop"})

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not tear down after stop")
	}
	assert.True(t, session.isClosed())
	assert.False(t, h.bridge.Active(h.callID))
}

func TestBridgeNotifiesObserverOnStop(t *testing.T) {
	session := &stubSession{}
	h := newBridgeHarness(t, &stubFactory{session: session})
	h.start(t)

	h.send(t, mediaMessage{Event: "stop"})

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not tear down after stop")
	}
	require.Len(t, h.notifier.statusEvents(), 1)
	assert.Equal(t, callrecord.StatusCompleted, h.notifier.statusEvents()[0])
}

func TestBridgeIgnoresReplayedStart(t *testing.T) {
	session := &stubSession{}
	h := newBridgeHarness(t, &stubFactory{session: session})
	h.start(t)

	h.send(t, mediaMessage{
		Event: "start",
		Start: &startPayload{StreamSid: "MZ999", CallSid: "CA123"},
	})

	// The replay must not reopen the speech leg or close the running one.
	h.send(t, mediaMessage{Event: "media", Media: &mediaPayload{Payload: "dGVzdA=="}})
	require.Eventually(t, func() bool {
		return len(session.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.factory.openCount())
	assert.False(t, session.isClosed())
}

func TestBridgeDegradesWhenSpeechLegFails(t *testing.T) {
	h := newBridgeHarness(t, &stubFactory{err: errors.ErrBridgeFailed})

	h.send(t, mediaMessage{Event: "connected"})
	h.send(t, mediaMessage{
		Event: "start",
		Start: &startPayload{StreamSid: "MZ123"},
	})

	// The speech leg failed but the call leg must stay up.
	require.Eventually(t, func() bool {
		return h.notifier.errorCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.bridge.Active(h.callID))

	// Inbound media with no session is dropped, not fatal.
	h.send(t, mediaMessage{Event: "media", Media: &mediaPayload{Payload: "dGVzdA=="}})
	h.send(t, mediaMessage{Event: "stop"})

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not tear down after stop")
	}
}
