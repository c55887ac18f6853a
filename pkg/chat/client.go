package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"solarchat/internal/constants"
	apperrors "solarchat/internal/errors"
	"solarchat/internal/tracing"
	"solarchat/pkg/chat/types"
	"solarchat/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Client talks to the chat REST backend
type Client interface {
	FetchHistory(ctx context.Context, viewer, peer string, limit int) ([]types.RawMessage, error)
	SendMessage(ctx context.Context, req types.SendMessageRequest) error
	UploadFile(ctx context.Context, name, contentType string, content io.Reader) ([]types.Attachment, error)
	SendTyping(ctx context.Context, req types.TypingRequest) error
}

// Backend endpoints, relative to the API base URL
const (
	HistoryPath = "/history"
	SendPath    = "/send"
	UploadPath  = "/upload"
	TypingPath  = "/typing"
)

var _ Client = (*HTTPClient)(nil)

// maximum error body echoed into an error message
const maxErrorBody = 512

type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	logger    *logrus.Logger
}

func NewClient(baseURL, authToken string, httpClient *http.Client) *HTTPClient {
	return NewClientWithLogger(baseURL, authToken, httpClient, nil)
}

func NewClientWithLogger(baseURL, authToken string, httpClient *http.Client, logger *logrus.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	// only transport failures and retryable statuses count against the backend
	breaker := circuitbreaker.New("chat-backend",
		constants.DefaultBreakerFailures,
		constants.DefaultBreakerProbes,
		constants.DefaultBreakerCooldownSec*time.Second,
		logger,
	).WithFailurePredicate(apperrors.IsRetryable)

	return &HTTPClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		client:    httpClient,
		breaker:   breaker,
		logger:    logger,
	}
}

// BreakerState reports whether calls to the backend are currently allowed
func (c *HTTPClient) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// FetchHistory returns the stored conversation between viewer and peer.
// A response with ok=false counts as a failed fetch.
func (c *HTTPClient) FetchHistory(ctx context.Context, viewer, peer string, limit int) ([]types.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "history.fetch",
		tracing.AttrPeer.String(peer),
		tracing.AttrLimit.Int(limit),
	)
	defer span.End()

	query := url.Values{}
	query.Set("viewer", viewer)
	query.Set("peer", peer)
	query.Set("limit", strconv.Itoa(limit))
	endpoint := c.baseURL + HistoryPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	var result types.HistoryResponse
	if err := c.do(ctx, req, apperrors.ErrCodeHistoryFetch, HistoryPath, &result); err != nil {
		return nil, err
	}
	if !result.OK {
		err := apperrors.New(apperrors.ErrCodeHistoryFetch, "history endpoint reported failure").
			WithContext("endpoint", HistoryPath)
		tracing.RecordError(ctx, err)
		return nil, err
	}

	tracing.AddSpanAttributes(ctx, tracing.AttrMessageCount.Int(len(result.Messages)))
	return result.Messages, nil
}

// SendMessage posts one message to one recipient
func (c *HTTPClient) SendMessage(ctx context.Context, payload types.SendMessageRequest) error {
	ctx, span := tracing.StartSpan(ctx, "chat.send", tracing.AttrPeer.String(payload.RecipientID))
	defer span.End()

	return c.postJSON(ctx, SendPath, apperrors.ErrCodeSend, payload)
}

// SendTyping posts a start or stop signal to one recipient
func (c *HTTPClient) SendTyping(ctx context.Context, payload types.TypingRequest) error {
	if !payload.Status.Valid() {
		return apperrors.NewValidationError("status", string(payload.Status), "must be start or stop")
	}

	ctx, span := tracing.StartSpan(ctx, "chat.typing",
		tracing.AttrPeer.String(payload.RecipientID),
		attribute.String("chat.typing.status", string(payload.Status)),
	)
	defer span.End()

	return c.postJSON(ctx, TypingPath, apperrors.ErrCodeTypingSignal, payload)
}

// UploadFile uploads one file as multipart field "file" and returns the
// descriptors the backend assigned to it
func (c *HTTPClient) UploadFile(ctx context.Context, name, contentType string, content io.Reader) ([]types.Attachment, error) {
	ctx, span := tracing.StartSpan(ctx, "chat.upload", attribute.String("chat.upload.type", contentType))
	defer span.End()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+UploadPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	var result types.UploadResponse
	if err := c.do(ctx, req, apperrors.ErrCodeUpload, UploadPath, &result); err != nil {
		return nil, err
	}
	if !result.OK || len(result.Files) == 0 {
		err := apperrors.New(apperrors.ErrCodeUpload, "upload endpoint returned no files").
			WithContext("endpoint", UploadPath)
		tracing.RecordError(ctx, err)
		return nil, err
	}

	tracing.AddSpanAttributes(ctx, tracing.AttrFileCount.Int(len(result.Files)))
	return result.Files, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, code apperrors.ErrorCode, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.do(ctx, req, code, path, nil)
}

// do executes the request through the breaker and decodes a JSON body into
// out when out is non-nil
func (c *HTTPClient) do(ctx context.Context, req *http.Request, code apperrors.ErrorCode, path string, out interface{}) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.doOnce(ctx, req, code, path, out)
	})
	if circuitbreaker.IsOpenError(err) {
		appErr := apperrors.WrapRetryable(err, code, "chat backend unavailable").
			WithContext("endpoint", path)
		tracing.RecordError(ctx, appErr)
		return appErr
	}
	return err
}

func (c *HTTPClient) doOnce(ctx context.Context, req *http.Request, code apperrors.ErrorCode, path string, out interface{}) error {
	c.logger.WithFields(logrus.Fields{
		"method":   req.Method,
		"endpoint": path,
	}).Debug("Calling chat backend")

	resp, err := c.client.Do(req)
	if err != nil {
		appErr := apperrors.NewTransportError(code, path, err)
		tracing.RecordError(ctx, appErr)
		return appErr
	}
	defer resp.Body.Close()

	tracing.AddSpanAttributes(ctx, tracing.AttrStatusCode.Int(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		appErr := apperrors.NewAPIError(code, path, resp.StatusCode,
			fmt.Errorf("status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
		tracing.RecordError(ctx, appErr)
		return appErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		appErr := apperrors.NewMalformedPayloadError(path, err)
		tracing.RecordError(ctx, appErr)
		return appErr
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
