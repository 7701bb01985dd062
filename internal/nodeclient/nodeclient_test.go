package nodeclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDoSetsNodeAuthHeaders(t *testing.T) {
	var gotKey, gotNodeID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		gotNodeID = r.Header.Get("X-Node-ID")
		w.Write([]byte(`{"cancelled":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "node-external-id-123", "secret-api-key")
	cancelled, err := c.CancelCheck("site-external-id", 1)
	if err != nil {
		t.Fatalf("CancelCheck: %v", err)
	}
	if cancelled {
		t.Fatalf("CancelCheck = true, want false")
	}
	if gotKey != "secret-api-key" {
		t.Errorf("X-API-KEY = %q, want %q", gotKey, "secret-api-key")
	}
	if gotNodeID != "node-external-id-123" {
		t.Errorf("X-Node-ID = %q, want %q", gotNodeID, "node-external-id-123")
	}
}

func TestDoDecodesFlatJSONWithNoEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(QuotaCheckResponse{
			CanProceed:        true,
			ProjectedSiteUsed: 1024,
			SiteQuota:         2048,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "node-1", "key-1")
	out, err := c.QuotaCheck("site-1", 512)
	if err != nil {
		t.Fatalf("QuotaCheck: %v", err)
	}
	if !out.CanProceed || out.ProjectedSiteUsed != 1024 || out.SiteQuota != 2048 {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestDoReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"success":false,"message":"backup already running for this site"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "node-1", "key-1")
	_, err := c.ClaimJob("site-1")
	if err == nil {
		t.Fatalf("ClaimJob: expected an error for a 409 response")
	}
	if !strings.Contains(err.Error(), "409") {
		t.Fatalf("error %v does not mention the status code", err)
	}
}

func TestUnauthDoUnwrapsSuccessDataEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "" {
			t.Errorf("unauthDo must not send an API key header, got %q", r.Header.Get("X-API-KEY"))
		}
		w.Write([]byte(`{"success":true,"data":{"node_id":7,"external_id":"abc-123","registration_code":"R7Q9"}}`))
	}))
	defer srv.Close()

	out, err := JoinRequest(srv.URL, "host1", "10.0.0.5")
	if err != nil {
		t.Fatalf("JoinRequest: %v", err)
	}
	if out.NodeID != 7 || out.ExternalID != "abc-123" || out.RegistrationCode != "R7Q9" {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestUnauthDoPropagatesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"message":"unknown registration code"}`))
	}))
	defer srv.Close()

	if _, err := PollStatus(srv.URL, "does-not-exist"); err == nil {
		t.Fatalf("PollStatus: expected an error for a 404 response")
	}
}
