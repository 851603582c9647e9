package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	svc, _ := newTestService(newMemStore())
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	decoded := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func publishBody(id string) map[string]any {
	return map[string]any{
		"id":    id,
		"title": "Demo: A supports B",
		"claims": []map[string]any{
			{"id": "urn:pn:claim:A", "text": "A is true", "topic": "demo"},
			{"id": "urn:pn:claim:B", "text": "B is true", "topic": "demo"},
		},
		"graphPatch": []map[string]any{
			{"op": "add", "triple": []string{"urn:pn:claim:A", "supports", "urn:pn:claim:B"}},
		},
	}
}

func TestHealthzEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestPublishEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/publish", publishBody("urn:pn:paper:p1"), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", resp.StatusCode, body)
	}
	if body["paper_id"] != "urn:pn:paper:p1" || body["status"] != "queued" {
		t.Fatalf("unexpected ack: %v", body)
	}

	resp, body = doJSON(t, http.MethodPost, server.URL+"/publish", publishBody("urn:pn:paper:p1"), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", resp.StatusCode)
	}
	if body["code"] != "PAPER_EXISTS" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestReviewEndpointReturnsFullTally(t *testing.T) {
	server, _ := newTestServer(t)
	doJSON(t, http.MethodPost, server.URL+"/publish", publishBody("urn:pn:paper:p1"), nil)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/review", map[string]any{
		"paper_id": "urn:pn:paper:p1",
		"reviewer": map[string]any{"id": "did:pn:r1"},
		"vote":     "approve",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}

	tally, ok := body["tally"].(map[string]any)
	if !ok {
		t.Fatalf("tally missing: %v", body)
	}
	for _, kind := range []string{"approve", "reject", "request_changes"} {
		if _, ok := tally[kind]; !ok {
			t.Fatalf("tally missing %q key: %v", kind, tally)
		}
	}
	if tally["approve"].(float64) != 1.0 {
		t.Fatalf("expected approve 1.0, got %v", tally["approve"])
	}
}

func TestReviewEndpointUnknownPaper(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/review", map[string]any{
		"paper_id": "urn:pn:paper:missing",
		"reviewer": map[string]any{"id": "did:pn:r1"},
		"vote":     "approve",
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%v)", resp.StatusCode, body)
	}
}

func TestIntegrateEndpointFlow(t *testing.T) {
	server, _ := newTestServer(t)
	doJSON(t, http.MethodPost, server.URL+"/publish", publishBody("urn:pn:paper:p1"), nil)

	integrateURL := server.URL + "/integrate/urn:pn:paper:p1"
	auth := map[string]string{"X-API-Key": "gardener-secret"}

	// Not enough weight yet.
	resp, body := doJSON(t, http.MethodPost, integrateURL, nil, auth)
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 before reviews, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != "THRESHOLD_NOT_REACHED" {
		t.Fatalf("unexpected error body: %v", body)
	}

	for i := 1; i <= 3; i++ {
		doJSON(t, http.MethodPost, server.URL+"/review", map[string]any{
			"paper_id": "urn:pn:paper:p1",
			"reviewer": map[string]any{"id": fmt.Sprintf("did:pn:r%d", i)},
			"vote":     "approve",
		}, nil)
	}

	// Wrong key after threshold is still rejected.
	resp, body = doJSON(t, http.MethodPost, integrateURL, nil, map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d (%v)", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, integrateURL, nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["integrated"] != true || body["broadcast_event_id"] == "" {
		t.Fatalf("unexpected result: %v", body)
	}

	resp, body = doJSON(t, http.MethodPost, integrateURL, nil, auth)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on repeat, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != "ALREADY_INTEGRATED" {
		t.Fatalf("unexpected error body: %v", body)
	}

	// The integration event is now visible on the sync feed.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/sync", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	events, ok := body["events"].([]any)
	if !ok || len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %v", body["events"])
	}

	// Edges are queryable by node.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/graph/edges?about=urn:pn:claim:A", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	edges, ok := body["edges"].([]any)
	if !ok || len(edges) != 1 {
		t.Fatalf("expected exactly 1 edge, got %v", body["edges"])
	}
}

func TestSyncEndpointBadTimestamp(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/sync?since=yesterday", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body["code"] != "INVALID_TIMESTAMP" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestBroadcastEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/broadcast", map[string]any{
		"kind":    "graph_patch",
		"payload": map[string]any{"note": "external"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["queued"] != true || body["id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/sync", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if events, ok := body["events"].([]any); !ok || len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", body["events"])
	}
}

func TestPaperEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/papers/urn:pn:paper:nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown paper, got %d", resp.StatusCode)
	}

	doJSON(t, http.MethodPost, server.URL+"/publish", publishBody("urn:pn:paper:p1"), nil)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/papers/urn:pn:paper:p1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "under_review" {
		t.Fatalf("unexpected paper body: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/papers", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if papers, ok := body["papers"].([]any); !ok || len(papers) != 1 {
		t.Fatalf("expected 1 paper, got %v", body["papers"])
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/papers/urn:pn:paper:p1/reviews", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if _, ok := body["reviews"].([]any); !ok {
		t.Fatalf("reviews list missing: %v", body)
	}
}

func TestGraphEdgesRequiresAbout(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/graph/edges", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body["code"] != "INVALID_QUERY" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestPreflightReturnsNoContentWithoutBody(t *testing.T) {
	server, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/publish", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /publish: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty preflight body, got %q", body)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight missing CORS headers")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected error body: %v", body)
	}
}
