package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/config"
	"shopcall-server/pkg/errors"
)

// TranscriptEvent is a finished utterance reported by the realtime session.
type TranscriptEvent struct {
	Speaker string // "ai" or "user"
	Text    string
}

// SessionHandlers receives the realtime session's output events. Handlers
// are invoked from the session's read loop goroutine.
type SessionHandlers struct {
	OnAudio      func(audioB64 string)
	OnTranscript func(event TranscriptEvent)
	OnError      func(err error)
}

// Session is one live bidirectional connection to the conversational speech
// model for a single call.
type Session interface {
	SendAudio(audioB64 string) error
	Close() error
}

// SessionFactory opens realtime sessions. The media bridge opens exactly one
// per call.
type SessionFactory interface {
	Open(ctx context.Context, callID string, handlers SessionHandlers) (Session, error)
}

// RealtimeFactory dials the vendor's realtime websocket endpoint.
type RealtimeFactory struct {
	logger *logrus.Logger
	config *config.SpeechConfig
}

// NewRealtimeFactory creates a realtime session factory.
func NewRealtimeFactory(logger *logrus.Logger, cfg *config.SpeechConfig) *RealtimeFactory {
	return &RealtimeFactory{logger: logger, config: cfg}
}

// realtimeSession wraps one websocket connection to the speech model.
type realtimeSession struct {
	logger   *logrus.Entry
	conn     *websocket.Conn
	handlers SessionHandlers

	writeMutex sync.Mutex
	closeOnce  sync.Once
}

const sessionInstructions = `You are a potential new patient calling a dental practice.
You are friendly but slightly hesitant.
Your goal is to ask about new patient availability, insurance, and pricing.
Do not commit to booking immediately. Ask follow-up questions.
Keep responses concise and natural.`

// Open dials the realtime endpoint and starts the event loop.
func (f *RealtimeFactory) Open(ctx context.Context, callID string, handlers SessionHandlers) (Session, error) {
	if f.config.APIKey == "" {
		return nil, errors.Wrap(errors.ErrBridgeFailed, "speech API key not configured")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.config.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.config.RealtimeURL, header)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBridgeFailed, err.Error(), map[string]interface{}{
			"call_id": callID,
		})
	}

	session := &realtimeSession{
		logger:   f.logger.WithField("call_id", callID),
		conn:     conn,
		handlers: handlers,
	}

	if err := session.bootstrap(f.config.Voice); err != nil {
		conn.Close()
		return nil, err
	}

	go session.readLoop()

	session.logger.Info("Realtime speech session opened")
	return session, nil
}

// bootstrap configures the session for telephony audio with server-side
// voice activity detection.
func (s *realtimeSession) bootstrap(voice string) error {
	update := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"voice":               voice,
			"instructions":        sessionInstructions,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"turn_detection": map[string]interface{}{
				"type": "server_vad",
			},
		},
	}
	return s.writeJSON(update)
}

type realtimeEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *realtimeSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Warn("Realtime session read failed")
				if s.handlers.OnError != nil {
					s.handlers.OnError(errors.Wrap(errors.ErrBridgeFailed, err.Error()))
				}
			}
			return
		}

		var event realtimeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.WithError(err).Warn("Unparseable realtime event")
			continue
		}

		switch event.Type {
		case "response.audio.delta":
			if event.Delta != "" && s.handlers.OnAudio != nil {
				s.handlers.OnAudio(event.Delta)
			}
		case "response.audio_transcript.done":
			if s.handlers.OnTranscript != nil {
				s.handlers.OnTranscript(TranscriptEvent{Speaker: "ai", Text: event.Transcript})
			}
		case "conversation.item.input_audio_transcription.completed":
			if s.handlers.OnTranscript != nil {
				s.handlers.OnTranscript(TranscriptEvent{Speaker: "user", Text: event.Transcript})
			}
		case "error":
			msg := "realtime session error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			s.logger.WithField("message", msg).Error("Realtime session reported error")
			if s.handlers.OnError != nil {
				s.handlers.OnError(errors.Wrap(errors.ErrBridgeFailed, msg))
			}
		}
	}
}

// SendAudio appends a base64 audio frame to the session's input buffer.
func (s *realtimeSession) SendAudio(audioB64 string) error {
	return s.writeJSON(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": audioB64,
	})
}

func (s *realtimeSession) writeJSON(v interface{}) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.conn.WriteJSON(v)
}

// Close shuts the session down. Safe to call more than once.
func (s *realtimeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMutex.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMutex.Unlock()
		err = s.conn.Close()
		s.logger.Info("Realtime speech session closed")
	})
	return err
}
