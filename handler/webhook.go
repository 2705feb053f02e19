package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dm-agent/internal/classifier"
	"dm-agent/internal/domain"
	"dm-agent/internal/integrations/paramstore"
	"dm-agent/internal/observability"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSignature     = "X-Hub-Signature-256"
	signaturePrefix     = "sha256="
)

// Router applies the arbitration rules to one webhook event.
type Router interface {
	Route(ctx context.Context, ev domain.Event) classifier.Outcome
}

// Webhook serves the Instagram webhook behind API Gateway.
type Webhook struct {
	router      Router
	params      paramstore.Getter
	paramPrefix string
}

func NewWebhook(r Router, params paramstore.Getter, paramPrefix string) (*Webhook, error) {
	if r == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	if params == nil {
		return nil, errors.New("handler: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("handler: parameter prefix must not be empty")
	}
	return &Webhook{router: r, params: params, paramPrefix: paramPrefix}, nil
}

// Handle never returns an error: every failure maps to a status code so API
// Gateway does not answer 502.
func (h *Webhook) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	ctx = observability.WithCorrelationID(ctx, corrID)
	log := observability.LoggerFromContext(ctx)

	var resp events.APIGatewayProxyResponse
	switch req.HTTPMethod {
	case http.MethodGet:
		resp = h.verify(ctx, req)
	case http.MethodPost:
		resp = h.receive(ctx, req)
	default:
		log.Debug("method not allowed", "method", req.HTTPMethod)
		resp = textResponse(http.StatusMethodNotAllowed, "method not allowed")
		resp.Headers["Allow"] = "GET, POST"
	}
	resp.Headers[headerCorrelationID] = corrID
	return resp, nil
}

func (h *Webhook) verify(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	log := observability.LoggerFromContext(ctx)
	q := req.QueryStringParameters

	expected, err := paramstore.Token(ctx, h.params, h.paramPrefix+"/instagram/verify_token")
	if err != nil {
		log.Error("failed to load verify token", "err", err)
		return textResponse(http.StatusInternalServerError, "internal error")
	}
	if q["hub.mode"] != "subscribe" || !hmac.Equal([]byte(q["hub.verify_token"]), []byte(expected)) {
		log.Warn("webhook verification failed", "mode", q["hub.mode"])
		return textResponse(http.StatusForbidden, "verification token mismatch")
	}
	log.Info("webhook verified")
	return textResponse(http.StatusOK, q["hub.challenge"])
}

func (h *Webhook) receive(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	log := observability.LoggerFromContext(ctx)

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			log.Warn("undecodable base64 body", "err", err)
			return textResponse(http.StatusBadRequest, "invalid body encoding")
		}
		body = decoded
	}

	signature := header(req.Headers, headerSignature)
	if signature == "" {
		log.Warn("webhook POST without signature header")
		return textResponse(http.StatusForbidden, "missing signature")
	}
	secret, err := paramstore.Token(ctx, h.params, h.paramPrefix+"/instagram/app_secret")
	if err != nil {
		log.Error("failed to load app secret", "err", err)
		return textResponse(http.StatusInternalServerError, "internal error")
	}
	if !validSignature(body, signature, secret) {
		log.Warn("webhook signature mismatch")
		return textResponse(http.StatusForbidden, "invalid signature")
	}

	evs, dropped, err := domain.ParseEvents(body)
	if err != nil {
		log.Warn("malformed webhook payload", "err", err)
		return textResponse(http.StatusOK, "EVENT_RECEIVED")
	}
	if dropped > 0 {
		log.Debug("invalid messaging items skipped", "count", dropped)
	}

	counts := make(map[classifier.Outcome]int)
	for _, ev := range evs {
		counts[h.router.Route(ctx, ev)]++
	}
	log.Info("webhook processed", "events", len(evs), "buffered", counts[classifier.OutcomeBuffered], "failed", counts[classifier.OutcomeFailed])
	return textResponse(http.StatusOK, "EVENT_RECEIVED")
}

// validSignature checks a "sha256=<hex>" HMAC-SHA256 of body.
func validSignature(body []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value Meta would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// header looks a header up case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func correlationID(headers map[string]string) string {
	if id := strings.TrimSpace(header(headers, headerCorrelationID)); id != "" {
		return id
	}
	return uuid.NewString()
}

func textResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       body,
	}
}
