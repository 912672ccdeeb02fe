package proofrails

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyReturnsProofrailsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/verifications" || r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.TransactionHash != "0xabc" || string(req.Document) != `{"msg":"pacs.008"}` {
			t.Errorf("unexpected body %+v", req)
		}
		_, _ = w.Write([]byte(`{"verified":true,"proofrailsId":"PR-77","verifiedAt":"2026-03-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	v, err := New(srv.URL, "secret", time.Second).Verify(context.Background(), "0xabc", json.RawMessage(`{"msg":"pacs.008"}`))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Verified || v.ProofrailsID != "PR-77" || v.VerifiedAt.IsZero() {
		t.Fatalf("unexpected verification %+v", v)
	}
}

func TestVerifyRejectionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"verified":false,"reason":"hash not found on chain"}`))
	}))
	defer srv.Close()

	v, err := New(srv.URL, "", time.Second).Verify(context.Background(), "0xabc", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("expected rejection result, got %v", err)
	}
	if v.Verified || v.Reason != "hash not found on chain" {
		t.Fatalf("unexpected verification %+v", v)
	}
}

func TestVerifyOutageIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "", time.Second).Verify(context.Background(), "0xabc", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected outage error")
	}
}

func TestVerifyRequiresIDWhenVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"verified":true}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "", time.Second).Verify(context.Background(), "0xabc", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected missing id error")
	}
}
