package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPLearningStore talks to the external semantic memory service over JSON.
// POST {endpoint}/learnings stores; POST {endpoint}/learnings/query recalls.
type HTTPLearningStore struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPLearningStore(endpoint string) *HTTPLearningStore {
	return &HTTPLearningStore{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPLearningStore) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("learning store %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *HTTPLearningStore) Store(ctx context.Context, req StoreRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.post(ctx, "/learnings", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (s *HTTPLearningStore) Query(ctx context.Context, contextText string, limit int, minScore float64) ([]Learning, error) {
	in := struct {
		Context  string  `json:"context"`
		Limit    int     `json:"limit"`
		MinScore float64 `json:"min_score"`
	}{contextText, limit, minScore}
	var out struct {
		Learnings []Learning `json:"learnings"`
	}
	if err := s.post(ctx, "/learnings/query", in, &out); err != nil {
		return nil, err
	}
	return out.Learnings, nil
}
