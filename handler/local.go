package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// maxLocalBody caps request bodies in local mode; API Gateway enforces its
// own limit in Lambda mode.
const maxLocalBody = 1 << 20

// APIGatewayFunc is the shape of an API Gateway proxy handler.
type APIGatewayFunc func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// HTTPHandler serves an API Gateway proxy handler over net/http for local runs.
func HTTPHandler(fn APIGatewayFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxLocalBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		req := events.APIGatewayProxyRequest{
			HTTPMethod:            r.Method,
			Path:                  r.URL.Path,
			Headers:               make(map[string]string, len(r.Header)),
			QueryStringParameters: make(map[string]string),
			Body:                  string(body),
		}
		for k := range r.Header {
			req.Headers[k] = r.Header.Get(k)
		}
		for k := range r.URL.Query() {
			req.QueryStringParameters[k] = r.URL.Query().Get(k)
		}

		resp, err := fn(r.Context(), req)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
	})
}
