package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

const (
	watchEvent = `{"id":"1","type":"WatchEvent","payload":{"action":"started"}}`
	emptyPush  = `{"id":"2","type":"PushEvent","payload":{"commits":[{"sha":"a","author":{"name":"x","email":""}}]}}`
	alicePush  = `{"id":"3","type":"PushEvent","payload":{"commits":[{"sha":"b","author":{"name":"Alice","email":"alice@example.com"}}]}}`
)

type fakeGitHub struct {
	users     map[string]bool
	pages     map[int]string
	fallback  string
	pageCalls int
	t         *testing.T
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/users/alice", "/users/ghost":
		login := r.URL.Path[len("/users/"):]
		if !f.users[login] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		require.Equal(f.t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"login":%q}`, login)
	case "/users/alice/events/public":
		f.pageCalls++
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		require.Equal(f.t, "30", r.URL.Query().Get("per_page"))
		body, ok := f.pages[page]
		if !ok {
			body = f.fallback
		}
		fmt.Fprint(w, body)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func newResolver(t *testing.T, fake *fakeGitHub, maxPages int) *Resolver {
	t.Helper()
	fake.t = t
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	r, err := New(Config{Token: "test-token", BaseURL: srv.URL, MaxPages: maxPages, HTTPClient: srv.Client()}, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestResolveEmailFromPushEvent(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{
		users: map[string]bool{"alice": true},
		pages: map[int]string{
			1: "[" + watchEvent + "," + emptyPush + "]",
			2: "[" + alicePush + "]",
		},
		fallback: "[]",
	}
	email, err := newResolver(t, fake, 10).ResolveEmail(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", email)
	require.Equal(t, 2, fake.pageCalls)
}

func TestResolveEmailStopsAtEmptyPage(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{
		users:    map[string]bool{"alice": true},
		pages:    map[int]string{1: "[" + watchEvent + "]"},
		fallback: "[]",
	}
	email, err := newResolver(t, fake, 10).ResolveEmail(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, email)
	require.Equal(t, 2, fake.pageCalls)
}

func TestResolveEmailHonoursPageCap(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{
		users:    map[string]bool{"alice": true},
		fallback: "[" + watchEvent + "]",
	}
	email, err := newResolver(t, fake, 3).ResolveEmail(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, email)
	require.Equal(t, 3, fake.pageCalls)
}

func TestResolveEmailUnknownAccount(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{users: map[string]bool{}}
	_, err := newResolver(t, fake, 10).ResolveEmail(context.Background(), "ghost")
	require.ErrorIs(t, err, codesearch.ErrAccountNotFound)
	require.Zero(t, fake.pageCalls)
}

func TestResolveEmailPropagatesServerErrors(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{users: map[string]bool{}}
	_, err := newResolver(t, fake, 10).ResolveEmail(context.Background(), "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, codesearch.ErrAccountNotFound)
}

func TestResolveEmailRecordsSpans(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{
		users:    map[string]bool{"alice": true},
		pages:    map[int]string{1: "[" + alicePush + "]"},
		fallback: "[]",
		t:        t,
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	rec := tracetest.NewSpanRecorder()
	r, err := New(Config{
		Token:          "test-token",
		BaseURL:        srv.URL,
		HTTPClient:     srv.Client(),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
	}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.ResolveEmail(ctx, "alice")
	require.NoError(t, err)
	_, err = r.ResolveEmail(ctx, "ghost")
	require.ErrorIs(t, err, codesearch.ErrAccountNotFound)
	_, err = r.ResolveEmail(ctx, "broken")
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	for _, span := range spans {
		require.Equal(t, "github.ResolveEmail", span.Name())
	}
	require.Contains(t, spans[0].Attributes(), attribute.String("github.login", "alice"))
	require.Contains(t, spans[0].Attributes(), attribute.Bool("github.email_found", true))
	require.Contains(t, spans[1].Attributes(), attribute.Bool("github.account_found", false))
	require.Equal(t, otelcodes.Unset, spans[1].Status().Code)
	require.Equal(t, otelcodes.Error, spans[2].Status().Code)
}
