package instagram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	vals  map[string]string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.vals[name], nil
}

func tokenGetter() *fakeGetter {
	return &fakeGetter{vals: map[string]string{"/dm-agent/instagram/access_token": `{"token":"IGAA-test"}`}}
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBaseURL(srv.URL), WithHTTPClient(srv.Client())}, opts...)
	c, err := NewClient(tokenGetter(), "/dm-agent", opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(nil, "/dm-agent")
	require.Error(t, err)
	_, err = NewClient(tokenGetter(), " ")
	require.Error(t, err)
}

func TestSendText_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v21.0/me/messages", r.URL.Path)
		require.Equal(t, "Bearer IGAA-test", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"recipient":{"id":"1789"},"message":{"text":"Olá!"}}`, string(body))
		_, _ = w.Write([]byte(`{"recipient_id":"1789","message_id":"m_1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithAPIVersion("v21.0"))
	require.NoError(t, c.SendText(context.Background(), "1789", "Olá!"))
}

func TestSendText_PicksUpRotatedToken(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := tokenGetter()
	c, err := NewClient(g, "/dm-agent", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	require.NoError(t, c.SendText(context.Background(), "1", "a"))
	g.vals["/dm-agent/instagram/access_token"] = `{"token":"IGAA-rotated"}`
	require.NoError(t, c.SendText(context.Background(), "1", "b"))

	require.Equal(t, []string{"Bearer IGAA-test", "Bearer IGAA-rotated"}, auths)
	require.Equal(t, 2, g.calls)
}

func TestSendText_TokenErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := &fakeGetter{err: errors.New("ssm throttled")}
	c, err := NewClient(g, "/dm-agent", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	err = c.SendText(context.Background(), "1", "a")
	require.ErrorContains(t, err, "access token")

	g.err = nil
	g.vals = map[string]string{"/dm-agent/instagram/access_token": `{"token":"IGAA-test"}`}
	require.NoError(t, c.SendText(context.Background(), "1", "a"))
}

func TestSendText_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"outside of allowed window"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.SendText(context.Background(), "1", "a")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "allowed window")
}

func TestSendText_ValidatesInput(t *testing.T) {
	c, err := NewClient(tokenGetter(), "/dm-agent")
	require.NoError(t, err)
	require.Error(t, c.SendText(context.Background(), "", "a"))
	require.Error(t, c.SendText(context.Background(), "1", "  "))
}

func TestSendText_RateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithSendRate(1))
	require.NoError(t, c.SendText(context.Background(), "1", "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.SendText(ctx, "1", "b")
	require.ErrorContains(t, err, "send rate")
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchMedia_Authenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "Bearer IGAA-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "audio/mp4")
		_, _ = w.Write([]byte("voice"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data, ct, err := c.FetchMedia(context.Background(), srv.URL+"/asset?id=1")
	require.NoError(t, err)
	require.Equal(t, []byte("voice"), data)
	require.Equal(t, "audio/mp4", ct)
}

func TestFetchMedia_RetriesWithoutAuthOnForbidden(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("voice"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data, _, err := c.FetchMedia(context.Background(), srv.URL+"/signed")
	require.NoError(t, err)
	require.Equal(t, []byte("voice"), data)
	require.Equal(t, []string{"Bearer IGAA-test", ""}, auths)
}

func TestFetchMedia_NoRetryOnServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, err := c.FetchMedia(context.Background(), srv.URL+"/a")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchMedia_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, strings.NewReader(strings.Repeat("x", MaxMediaBytes+1)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, err := c.FetchMedia(context.Background(), srv.URL+"/big")
	require.ErrorIs(t, err, ErrMediaTooLarge)
}

func TestFetchMedia_EmptyURL(t *testing.T) {
	c, err := NewClient(tokenGetter(), "/dm-agent")
	require.NoError(t, err)
	_, _, err = c.FetchMedia(context.Background(), "")
	require.Error(t, err)
}
