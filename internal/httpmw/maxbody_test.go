package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// chunkedRequest hides the body length the way a chunked upload does.
func chunkedRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader(body)))
	req.ContentLength = -1
	return req
}

func TestMaxBody_UnderLimit_PassesThrough(t *testing.T) {
	handler := MaxBody(1024)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))

	payload := "hello world"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != payload {
		t.Fatalf("body = %q, want %q", rec.Body.String(), payload)
	}
}

func TestMaxBody_ExactlyAtLimit(t *testing.T) {
	const limit = 16
	handler := MaxBody(limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			t.Fatalf("read body at limit: %v", err)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", limit))))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMaxBody_DeclaredLengthRejectedEarly(t *testing.T) {
	called := false
	handler := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("123456789")))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if called {
		t.Fatal("oversized request should not reach the handler")
	}
}

func TestMaxBody_ChunkedOverLimit_ErrorType(t *testing.T) {
	const limit = 8
	var readErr error
	handler := MaxBody(limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), chunkedRequest(strings.Repeat("x", limit+1)))

	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("error = %v (%T), want *http.MaxBytesError", readErr, readErr)
	}
	if maxErr.Limit != limit {
		t.Fatalf("Limit = %d, want %d", maxErr.Limit, limit)
	}
}

func TestMaxBody_GET_NoBody(t *testing.T) {
	handler := MaxBody(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != http.NoBody {
			t.Fatal("empty body should not be wrapped")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMaxBody_ZeroLimitDisables(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	handler := MaxBody(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil || len(body) != len(payload) {
			t.Fatalf("read = %d bytes, %v", len(body), err)
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), chunkedRequest(payload))
}

func TestMaxBody_ChainedWithOtherMiddleware(t *testing.T) {
	var order []string
	outer := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "outer")
			next.ServeHTTP(w, r)
		})
	}

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
		io.ReadAll(r.Body)
	}), outer, MaxBody(64))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))

	if strings.Join(order, ",") != "outer,handler" {
		t.Fatalf("order = %v", order)
	}
}
