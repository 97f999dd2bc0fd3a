package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/config"
	"shopcall-server/pkg/errors"
	"shopcall-server/pkg/version"
)

// CallMode selects how the provider drives the conversation once answered.
type CallMode string

const (
	// ModeTurn drives the call through discrete webhook round-trips.
	ModeTurn CallMode = "turn"
	// ModeStream connects a bidirectional media stream to the speech session.
	ModeStream CallMode = "stream"
)

// Gateway is the outbound telephony contract. Lifecycle events arrive
// separately as webhook callbacks handled by the HTTP layer.
type Gateway interface {
	PlaceCall(ctx context.Context, destination, callID string, mode CallMode) (string, error)
	SendDigits(ctx context.Context, providerCallRef, digits string) error
	Hangup(ctx context.Context, providerCallRef string) error
}

// Client talks to a Twilio-compatible REST API.
type Client struct {
	logger     *logrus.Logger
	config     *config.TelephonyConfig
	httpClient *http.Client
}

// NewClient creates a telephony gateway client.
func NewClient(logger *logrus.Logger, cfg *config.TelephonyConfig) *Client {
	return &Client{
		logger: logger,
		config: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type callResource struct {
	Sid     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PlaceCall dials the destination number and returns the provider's call
// reference. The voice URL depends on the mode: the turn path points at the
// conversation webhook; the stream path points at the media-stream TwiML.
func (c *Client) PlaceCall(ctx context.Context, destination, callID string, mode CallMode) (string, error) {
	if c.config.AccountSID == "" || c.config.AuthToken == "" || c.config.FromNumber == "" {
		return "", errors.Wrap(errors.ErrDialFailed, "telephony credentials not configured")
	}

	base := c.config.CallbackURL
	var voiceURL string
	switch mode {
	case ModeStream:
		voiceURL = fmt.Sprintf("%s/webhook/media?callId=%s", base, callID)
	default:
		voiceURL = fmt.Sprintf("%s/session/%s/turn?step=0", base, callID)
	}

	form := url.Values{}
	form.Set("To", destination)
	form.Set("From", c.config.FromNumber)
	form.Set("Url", voiceURL)
	form.Set("StatusCallback", fmt.Sprintf("%s/webhook/status?callId=%s", base, callID))
	for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", event)
	}
	form.Set("Record", "true")
	form.Set("RecordingStatusCallback", fmt.Sprintf("%s/webhook/recording?callId=%s", base, callID))

	resource, err := c.post(ctx, c.callsURL(), form)
	if err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"call_id":  callID,
		"call_sid": resource.Sid,
		"status":   resource.Status,
		"mode":     string(mode),
	}).Info("Outbound call placed")

	return resource.Sid, nil
}

// SendDigits plays DTMF tones into an active call by rewriting its TwiML.
func (c *Client) SendDigits(ctx context.Context, providerCallRef, digits string) error {
	form := url.Values{}
	form.Set("Twiml", PlayDigits(digits))

	if _, err := c.post(ctx, c.callURL(providerCallRef), form); err != nil {
		return errors.Wrap(errors.ErrSignalFailed, err.Error(), map[string]interface{}{
			"call_sid": providerCallRef,
		})
	}

	c.logger.WithFields(logrus.Fields{
		"call_sid": providerCallRef,
		"digits":   digits,
	}).Info("DTMF digits sent")
	return nil
}

// Hangup ends an active call.
func (c *Client) Hangup(ctx context.Context, providerCallRef string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	if _, err := c.post(ctx, c.callURL(providerCallRef), form); err != nil {
		return errors.Wrap(errors.ErrSignalFailed, err.Error(), map[string]interface{}{
			"call_sid": providerCallRef,
		})
	}
	return nil
}

func (c *Client) callsURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json",
		strings.TrimRight(c.config.APIBaseURL, "/"), c.config.AccountSID)
}

func (c *Client) callURL(sid string) string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		strings.TrimRight(c.config.APIBaseURL, "/"), c.config.AccountSID, sid)
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (*callResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create provider request")
	}
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDialFailed, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read provider response")
	}

	var resource callResource
	if err := json.Unmarshal(body, &resource); err != nil {
		resource.Message = strings.TrimSpace(string(body))
	}

	if resp.StatusCode >= 300 {
		msg := resource.Message
		if msg == "" {
			msg = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(errors.ErrDialFailed, msg, map[string]interface{}{
			"status_code": resp.StatusCode,
		})
	}

	return &resource, nil
}
