package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Handler serves the ports of src as JSON at GET /ports, 503 until they
// are published.
func Handler(src Source) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ports", func(w http.ResponseWriter, r *http.Request) {
		p, err := src.Ports(r.Context())
		if errors.Is(err, ErrPortsUnavailable) {
			http.Error(w, `{"error":"ports not set"}`, http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	})
	return mux
}

// HTTP pulls ports from a Handler at baseURL. It has no push side.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP returns an HTTP source for baseURL (e.g. http://127.0.0.1:7000).
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{url: strings.TrimRight(baseURL, "/") + "/ports", client: client}
}

// Ports fetches the current ports.
func (h *HTTP) Ports(ctx context.Context) (Ports, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return Ports{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Ports{}, fmt.Errorf("bridge: get ports: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return Ports{}, ErrPortsUnavailable
	default:
		return Ports{}, fmt.Errorf("bridge: get ports: %s", resp.Status)
	}

	var p Ports
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Ports{}, fmt.Errorf("bridge: decode ports: %w", err)
	}
	if !p.Valid() {
		return Ports{}, ErrPortsUnavailable
	}
	return p, nil
}
