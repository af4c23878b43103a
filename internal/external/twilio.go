package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reminders/internal/types"
)

const twilioAPIBase = "https://api.twilio.com"

// Twilio error codes that will never succeed on retry.
// https://www.twilio.com/docs/api/errors
var twilioPermanentCodes = map[int]string{
	21211: "invalid 'To' phone number",
	21408: "region not enabled",
	21610: "recipient unsubscribed",
	21612: "unreachable carrier route",
	21614: "'To' number is not a mobile number",
}

// TwilioClientConfig holds the configuration for creating a TwilioClient.
type TwilioClientConfig struct {
	AccountSID string
	AuthToken  types.SecretString
	From       string
	BaseURL    string // Override for testing; defaults to twilioAPIBase
	Logger     *slog.Logger
}

// TwilioClient implements SMSProvider against the Twilio Messages REST API.
type TwilioClient struct {
	base       *BaseClient
	accountSID string
	authToken  types.SecretString
	from       string
	baseURL    string
	logger     *slog.Logger
}

// NewTwilioClient creates a TwilioClient that makes one HTTP request per Send.
func NewTwilioClient(httpClient *http.Client, cfg TwilioClientConfig) *TwilioClient {
	base := NewBaseClient(
		httpClient,
		"twilio",
		SingleAttemptPolicy(),
		"reminderd/1.0",
		WithSleepFunc(time.Sleep),
	)
	return NewTwilioClientWithBase(base, cfg)
}

// NewTwilioClientWithBase creates a TwilioClient over a pre-configured BaseClient.
func NewTwilioClientWithBase(base *BaseClient, cfg TwilioClientConfig) *TwilioClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = twilioAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioClient{
		base:       base,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Send creates a Message resource and returns its SID.
func (t *TwilioClient) Send(ctx context.Context, input SMSInput) (string, error) {
	form := url.Values{}
	form.Set("To", input.To)
	form.Set("From", t.from)
	form.Set("Body", input.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Twilio request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(t.accountSID, t.authToken.Unmask())

	resp, err := t.base.Do(req)
	if err != nil {
		return "", wrapTransportError("Twilio", types.ErrCodeUpstreamSMSProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamSMSProvider, "failed to read Twilio response", err)
	}

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var msg twilioMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return "", types.NewAppError(types.ErrCodeUpstreamSMSProvider, "failed to decode Twilio response", err)
		}
		t.logger.DebugContext(ctx, "twilio accepted message",
			"reference_id", input.ReferenceID,
			"provider_msg_id", msg.SID,
			"provider_status", msg.Status,
		)
		return msg.SID, nil
	}

	return "", mapTwilioError(resp.StatusCode, body)
}

func mapTwilioError(status int, body []byte) error {
	var te twilioError
	_ = json.Unmarshal(body, &te)

	if reason, ok := twilioPermanentCodes[te.Code]; ok {
		return types.NewAppError(
			types.ErrCodeUpstreamPermanentRejected,
			fmt.Sprintf("Twilio rejected message (%d): %s", te.Code, reason),
			nil,
		).WithDetails(map[string]any{"twilio_code": te.Code})
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAppError(types.ErrCodeUpstreamPermanentRejected, "Twilio rejected credentials", nil)
	default:
		msg := te.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return types.NewAppError(
			types.ErrCodeUpstreamSMSProvider,
			fmt.Sprintf("Twilio error (%d): %s", status, msg),
			nil,
		)
	}
}

var _ SMSProvider = (*TwilioClient)(nil)
