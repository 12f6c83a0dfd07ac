package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// Item is one post the autonomous loop parses for AgentPay intents (spec.md
// 4.I: "each {id, thread_id?, text}").
type Item struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider returns the ordered list of current feed items. The autonomous
// loop calls it once per poll interval and deduplicates by Item.ID itself.
type Provider interface {
	Items(ctx context.Context) ([]Item, error)
}

// Poster appends a new item to the feed, used to publish accepts and offers.
type Poster interface {
	Post(ctx context.Context, text, threadID string) (Item, error)
}

// HTTPClient is a Provider and Poster backed by a demo_feed_server-shaped
// HTTP endpoint (GET/POST /feed).
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a client against a feed server at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type feedListResponse struct {
	Posts []Item `json:"posts"`
}

// Items fetches the current feed contents.
func (c *HTTPClient) Items(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/feed", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: fetch %s: unexpected status %d", c.baseURL, resp.StatusCode)
	}
	var out feedListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("feed: decode response from %s: %w", c.baseURL, err)
	}
	return out.Posts, nil
}

type postRequest struct {
	Text     string `json:"text"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Post appends text (optionally as a reply within threadID) to the feed.
func (c *HTTPClient) Post(ctx context.Context, text, threadID string) (Item, error) {
	body, err := json.Marshal(postRequest{Text: text, ThreadID: threadID})
	if err != nil {
		return Item{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/feed", bytes.NewReader(body))
	if err != nil {
		return Item{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("feed: post to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Item{}, fmt.Errorf("feed: post to %s: unexpected status %d", c.baseURL, resp.StatusCode)
	}
	var item Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return Item{}, fmt.Errorf("feed: decode post response from %s: %w", c.baseURL, err)
	}
	return item, nil
}

// Server is the in-memory demo feed two agents can share: one posts an offer,
// the other's autonomous loop sees it and replies.
type Server struct {
	mu    sync.Mutex
	items []Item
}

// NewServer builds an empty demo feed.
func NewServer() *Server {
	return &Server{}
}

// RegisterRoutes mounts GET/POST /feed onto r, behind permissive CORS since
// the demo feed is polled directly from browser-hosted agent dashboards
// running on a different origin than the feed server itself.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Get("/feed", s.handleList)
		r.Post("/feed", s.handlePost)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := append([]Item(nil), s.items...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(feedListResponse{Posts: items})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()[:8]
	threadID := req.ThreadID
	if threadID == "" {
		threadID = id
	}
	item := Item{ID: id, ThreadID: threadID, Text: req.Text, CreatedAt: time.Now().UTC()}

	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(item)
}
