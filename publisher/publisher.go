// Package publisher implements the HTTP facade external publishing tools
// use to create and update forum posts. It fronts the Discord REST API
// with API-key auth, permissive CORS, and rate-limit tracking.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"f95fr-notifier/backoff"
)

const defaultAPIBase = "https://discord.com/api/v10"

// maxUploadBytes caps multipart parsing; Discord rejects larger uploads
// anyway.
const maxUploadBytes = 32 << 20

// Config holds publisher configuration.
type Config struct {
	Token          string // Discord bot token used for publishing
	APIKey         string // static key clients must present
	ForumMyID      string
	ForumPartnerID string
	APIBase        string // overridable for tests
	Logger         *slog.Logger
	Client         *http.Client
}

// Server serves the publisher API.
type Server struct {
	logger  *slog.Logger
	client  *http.Client
	apiBase string
	apiKey  string
	rate    *RateTracker

	// The publishing credentials can be pushed at runtime through
	// /api/configure, after the frontend has collected them.
	mu           sync.RWMutex
	token        string
	forumMy      string
	forumPartner string
}

// New creates a publisher server.
func New(cfg *Config) *Server {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Server{
		logger:       cfg.Logger,
		client:       client,
		apiBase:      apiBase,
		token:        cfg.Token,
		apiKey:       cfg.APIKey,
		forumMy:      cfg.ForumMyID,
		forumPartner: cfg.ForumPartnerID,
		rate:         &RateTracker{logger: cfg.Logger},
	}
}

// creds snapshots the current publishing credentials.
func (s *Server) creds() (token, forumMy, forumPartner string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.forumMy, s.forumPartner
}

func (s *Server) configured() bool {
	token, forumMy, forumPartner := s.creds()
	return token != "" && forumMy != "" && forumPartner != ""
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Get("/health", s.handleHealth)
	r.Post("/api/configure", s.auth(s.handleConfigure))
	r.Post("/api/forum-post", s.auth(s.handleCreate))
	r.Patch("/api/forum-post/{threadID}/{messageID}", s.auth(s.handleUpdate))
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// auth checks the static API key, from the X-API-KEY header or the
// api_key query parameter.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-KEY")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if s.apiKey == "" || key != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok":      false,
				"error":   "unauthorized",
				"message": "Clé API invalide ou manquante.",
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"service":    "discord-publisher-api",
		"configured": s.configured(),
		"rate_limit": s.rate.Info(time.Now()),
	})
}

// handleConfigure lets the frontend push the publishing credentials after
// startup. Empty fields keep their current value.
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token        string `json:"discordPublisherToken"`
		ForumMy      string `json:"publisherForumMyId"`
		ForumPartner string `json:"publisherForumPartnerId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "error": "configuration_failed", "details": err.Error(),
		})
		return
	}

	s.mu.Lock()
	if v := strings.TrimSpace(body.Token); v != "" {
		s.token = v
	}
	if v := strings.TrimSpace(body.ForumMy); v != "" {
		s.forumMy = v
	}
	if v := strings.TrimSpace(body.ForumPartner); v != "" {
		s.forumPartner = v
	}
	s.mu.Unlock()

	configured := s.configured()
	s.logger.Info("Publisher configuration updated", "configured", configured)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"message":    "Configuration mise à jour",
		"configured": configured,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":      false,
			"error":   "not_configured",
			"message": "API non configurée. Définissez le token et les IDs de forum.",
		})
		return
	}

	post, err := parseForumPost(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "error": "bad_request", "details": err.Error(),
		})
		return
	}
	if post.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing_title"})
		return
	}

	_, forumMy, forumPartner := s.creds()
	forumID := forumMy
	if post.Template == "partner" {
		forumID = forumPartner
	}
	s.logger.Info("Publishing forum post", "title", post.Title, "template", post.Template, "forum", forumID)

	tagIDs := s.resolveTagIDs(r.Context(), forumID, post.Tags)
	thread, derr := s.createThread(r.Context(), forumID, post, tagIDs)
	if derr != nil {
		s.logger.Error("Forum post creation failed", "title", post.Title, "error", derr)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok": false, "error": "discord_error", "details": derr.Error(),
		})
		return
	}

	threadURL := ""
	if thread.ID != "" && thread.GuildID != "" {
		threadURL = fmt.Sprintf("https://discord.com/channels/%s/%s", thread.GuildID, thread.ID)
	}
	s.logger.Info("Forum post published", "thread_url", threadURL)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"template":   post.Template,
		"forum_id":   forumID,
		"thread_id":  thread.ID,
		"guild_id":   thread.GuildID,
		"thread_url": threadURL,
		"rate_limit": s.rate.Info(time.Now()),
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok": false, "error": "not_configured",
		})
		return
	}
	threadID := chi.URLParam(r, "threadID")
	messageID := chi.URLParam(r, "messageID")

	post, err := parseForumPost(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "error": "bad_request", "details": err.Error(),
		})
		return
	}

	if post.Content != "" {
		payload, _ := json.Marshal(map[string]string{"content": post.Content})
		path := fmt.Sprintf("/channels/%s/messages/%s", threadID, messageID)
		if _, err := s.discordJSON(r.Context(), http.MethodPatch, path, payload); err != nil {
			s.logger.Error("Message update failed", "thread", threadID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"ok": false, "error": "discord_error", "details": err.Error(),
			})
			return
		}
	}

	if post.Title != "" || post.Tags != "" {
		edit := map[string]any{}
		if post.Title != "" {
			edit["name"] = post.Title
		}
		if post.Tags != "" {
			_, forumMy, forumPartner := s.creds()
			forumID := forumMy
			if post.Template == "partner" {
				forumID = forumPartner
			}
			edit["applied_tags"] = s.resolveTagIDs(r.Context(), forumID, post.Tags)
		}
		payload, _ := json.Marshal(edit)
		if _, err := s.discordJSON(r.Context(), http.MethodPatch, "/channels/"+threadID, payload); err != nil {
			s.logger.Error("Thread update failed", "thread", threadID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"ok": false, "error": "discord_error", "details": err.Error(),
			})
			return
		}
	}

	s.logger.Info("Forum post updated", "thread", threadID, "message", messageID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"thread_id":  threadID,
		"message_id": messageID,
		"rate_limit": s.rate.Info(time.Now()),
	})
}

// forumPost carries one parsed create/update request.
type forumPost struct {
	Title    string
	Content  string
	Tags     string
	Template string
	Images   []upload
}

type upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// parseForumPost reads a multipart form, or a plain JSON body for
// image-less updates.
func parseForumPost(r *http.Request) (*forumPost, error) {
	post := &forumPost{Template: "my"}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Title    string `json:"title"`
			Content  string `json:"content"`
			Tags     string `json:"tags"`
			Template string `json:"template"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		post.Title = strings.TrimSpace(body.Title)
		post.Content = strings.TrimSpace(body.Content)
		post.Tags = strings.TrimSpace(body.Tags)
		if t := strings.TrimSpace(body.Template); t != "" {
			post.Template = t
		}
		return post, nil
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("read multipart form: %w", err)
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart part: %w", err)
		}
		name := part.FormName()
		switch {
		case name == "title", name == "content", name == "tags", name == "template":
			data, err := io.ReadAll(io.LimitReader(part, maxUploadBytes))
			if err != nil {
				return nil, fmt.Errorf("read field %s: %w", name, err)
			}
			value := strings.TrimSpace(string(data))
			switch name {
			case "title":
				post.Title = value
			case "content":
				post.Content = value
			case "tags":
				post.Tags = value
			case "template":
				if value != "" {
					post.Template = value
				}
			}
		case strings.HasPrefix(name, "image_") && part.FileName() != "":
			data, err := io.ReadAll(io.LimitReader(part, maxUploadBytes))
			if err != nil {
				return nil, fmt.Errorf("read image %s: %w", name, err)
			}
			contentType := part.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			post.Images = append(post.Images, upload{
				Filename:    part.FileName(),
				ContentType: contentType,
				Data:        data,
			})
		}
	}
	return post, nil
}

// splitTags splits a raw tag string on commas, semicolons, or pipes.
func splitTags(raw string) []string {
	raw = strings.NewReplacer(";", ",", "|", ",").Replace(raw)
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// resolveTagIDs maps requested tag names or ids to the forum's available
// tag ids, case-insensitively, deduplicated, unknown entries dropped. A
// lookup failure yields no tags rather than failing the publish.
func (s *Server) resolveTagIDs(ctx context.Context, forumID, raw string) []string {
	wanted := splitTags(raw)
	if len(wanted) == 0 {
		return nil
	}

	body, err := s.discordJSON(ctx, http.MethodGet, "/channels/"+forumID, nil)
	if err != nil {
		s.logger.Warn("Failed to fetch forum tags", "forum", forumID, "error", err)
		return nil
	}
	var channel struct {
		AvailableTags []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"available_tags"`
	}
	if err := json.Unmarshal(body, &channel); err != nil {
		s.logger.Warn("Failed to decode forum tags", "forum", forumID, "error", err)
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, w := range wanted {
		id := ""
		for _, tag := range channel.AvailableTags {
			if tag.ID == w || strings.EqualFold(tag.Name, w) {
				id = tag.ID
				break
			}
		}
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

type createdThread struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
}

// createThread posts a new forum thread with the starter message and any
// uploaded images attached.
func (s *Server) createThread(ctx context.Context, forumID string, post *forumPost, tagIDs []string) (*createdThread, error) {
	content := post.Content
	if content == "" {
		content = " "
	}
	payload := map[string]any{
		"name":    post.Title,
		"message": map[string]string{"content": content},
	}
	if len(tagIDs) > 0 {
		payload["applied_tags"] = tagIDs
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode thread payload: %w", err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("build thread form: %w", err)
	}
	if _, err := part.Write(payloadJSON); err != nil {
		return nil, fmt.Errorf("build thread form: %w", err)
	}
	for i, img := range post.Images {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files[%d]"; filename=%q`, i, img.Filename))
		header.Set("Content-Type", img.ContentType)
		part, err := form.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("attach image %s: %w", img.Filename, err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, fmt.Errorf("attach image %s: %w", img.Filename, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("finish thread form: %w", err)
	}

	respBody, err := s.discordDo(ctx, http.MethodPost, "/channels/"+forumID+"/threads",
		form.FormDataContentType(), body.Bytes())
	if err != nil {
		return nil, err
	}

	var thread createdThread
	if err := json.Unmarshal(respBody, &thread); err != nil {
		return nil, fmt.Errorf("decode thread response: %w", err)
	}
	return &thread, nil
}

// discordJSON issues one JSON-bodied Discord API request.
func (s *Server) discordJSON(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	contentType := ""
	if payload != nil {
		contentType = "application/json"
	}
	return s.discordDo(ctx, method, path, contentType, payload)
}

// discordDo issues one Discord API request with auth, rate-limit header
// tracking, and retry on transient failures.
func (s *Server) discordDo(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	url := s.apiBase + path
	token, _, _ := s.creds()
	var respBody []byte

	err := backoff.Retry(ctx, s.logger, method+" "+path, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Unrecoverable(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Authorization", "Bot "+token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("discord request: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				s.logger.Warn("Failed to close response body", "error", err)
			}
		}()

		s.rate.Update(resp.Header)
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadBytes))
		if err != nil {
			return fmt.Errorf("read discord response: %w", err)
		}
		if resp.StatusCode >= 300 {
			return &backoff.StatusError{URL: url, Code: resp.StatusCode}
		}
		respBody = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}
