// Package qbittorrent implements endpoint.Client against the
// qBittorrent Web API (cookie-based auth, JSON responses).
package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/transferarr/transferarr/internal/endpoint"
)

// Config holds connection parameters for one qBittorrent instance,
// matching the download_clients{name} shape in spec.md §6.
type Config struct {
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration // default 30s per spec.md §6
}

// Client is an endpoint.Client backed by the qBittorrent Web API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string

	mu        sync.Mutex
	cookie    string
	connected bool
}

// New constructs a qBittorrent endpoint client. It does not connect
// until EnsureConnected is called.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

// EnsureConnected logs in and caches the session cookie. It is
// idempotent: a cached cookie is reused until a request reports it
// has expired, at which point the caller should call it again.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "ensure_connected", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "ensure_connected", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "ensure_connected", Err: fmt.Errorf("login status %d: %s", resp.StatusCode, body)}
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == "SID" {
			c.cookie = ck.Value
			break
		}
	}
	if c.cookie == "" {
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "ensure_connected", Err: fmt.Errorf("no SID cookie in login response")}
	}

	c.connected = true
	return nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.connected = false
	c.cookie = ""
	c.mu.Unlock()
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	c.mu.Lock()
	cookie := c.cookie
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "SID", Value: cookie})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		c.invalidate()
		return nil, fmt.Errorf("session expired")
	}
	return resp, nil
}

// qbTorrent mirrors the fields of GET /api/v2/torrents/info this
// client uses; qBittorrent's own state vocabulary ("downloading",
// "uploading", "stalledUP", "pausedUP", "error", ...) is mapped into
// endpoint.State by nativeState below.
type qbTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	SavePath string  `json:"save_path"`
}

func (c *Client) List(ctx context.Context) (map[string]endpoint.TorrentInfo, error) {
	if err := c.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v2/torrents/info", nil, "")
	if err != nil {
		return nil, &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "list", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "list", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var torrents []qbTorrent
	if err := json.NewDecoder(resp.Body).Decode(&torrents); err != nil {
		return nil, &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "list", Err: err}
	}

	out := make(map[string]endpoint.TorrentInfo, len(torrents))
	for _, t := range torrents {
		hash := endpoint.NormalizeHash(t.Hash)
		files, err := c.files(ctx, hash)
		if err != nil {
			// Transient per-torrent file lookup failure: still report
			// the torrent with a nil file list rather than dropping
			// the whole snapshot.
			files = nil
		}
		out[hash] = endpoint.TorrentInfo{
			Name:     t.Name,
			State:    nativeState(t.State),
			Progress: t.Progress,
			Files:    files,
		}
	}
	return out, nil
}

func (c *Client) files(ctx context.Context, hash string) ([]endpoint.FileEntry, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v2/torrents/files?hash="+url.QueryEscape(hash), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var files []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, err
	}
	out := make([]endpoint.FileEntry, len(files))
	for i, f := range files {
		out[i] = endpoint.FileEntry{Path: f.Name, Size: f.Size}
	}
	return out, nil
}

func (c *Client) Has(ctx context.Context, hash string) (bool, error) {
	torrents, err := c.List(ctx)
	if err != nil {
		return false, err
	}
	_, ok := torrents[endpoint.NormalizeHash(hash)]
	return ok, nil
}

func (c *Client) AddMetainfo(ctx context.Context, metainfo []byte, opts endpoint.AddOptions) error {
	if err := c.EnsureConnected(ctx); err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if opts.SavePath != "" {
		_ = mw.WriteField("savepath", opts.SavePath)
	}
	_ = mw.WriteField("paused", fmt.Sprintf("%t", opts.Paused))
	_ = mw.WriteField("autoTMM", "false")

	part, err := mw.CreateFormFile("torrents", "upload.torrent")
	if err != nil {
		return &endpoint.FatalError{Endpoint: c.cfg.Name, Op: "add_metainfo", Err: err}
	}
	if _, err := part.Write(metainfo); err != nil {
		return &endpoint.FatalError{Endpoint: c.cfg.Name, Op: "add_metainfo", Err: err}
	}
	if err := mw.Close(); err != nil {
		return &endpoint.FatalError{Endpoint: c.cfg.Name, Op: "add_metainfo", Err: err}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v2/torrents/add", &buf, mw.FormDataContentType())
	if err != nil {
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "add_metainfo", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	// qBittorrent returns 200 with body "Fails." for a rejected add and
	// "Ok." for a successful one, including re-adding an existing hash
	// (idempotent per spec.md §4.B).
	if resp.StatusCode != http.StatusOK {
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "add_metainfo", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	if strings.Contains(string(body), "Fails") {
		return &endpoint.FatalError{Endpoint: c.cfg.Name, Op: "add_metainfo", Err: fmt.Errorf("qbittorrent rejected add: %s", body)}
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, hash string, deleteData bool) error {
	if err := c.EnsureConnected(ctx); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("hashes", endpoint.NormalizeHash(hash))
	form.Set("deleteFiles", fmt.Sprintf("%t", deleteData))

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v2/torrents/delete", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "remove", Err: err}
	}
	defer resp.Body.Close()

	// qBittorrent returns 200 whether or not the hash existed: "not
	// present" is treated as success per spec.md §4.B.
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &endpoint.TransientError{Endpoint: c.cfg.Name, Op: "remove", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	return nil
}

// nativeState maps qBittorrent's state strings into the HOME_*
// partition; the orchestrator rewrites to TARGET_* via State.ToTarget
// when the endpoint is acting as a target (spec.md §9: "the exact
// native→universal state mapping ... is implementation-defined; treat
// 'downloading-like' and 'seeding-like' as the two meaningful
// partitions").
func nativeState(s string) endpoint.State {
	switch s {
	case "uploading", "stalledUP", "forcedUP":
		return endpoint.HomeSeeding
	case "pausedUP", "pausedDL":
		return endpoint.HomePaused
	case "checkingUP", "checkingDL", "checkingResumeData":
		return endpoint.HomeChecking
	case "downloading", "stalledDL", "forcedDL", "metaDL", "allocating":
		return endpoint.HomeDownloading
	case "queuedUP", "queuedDL":
		return endpoint.HomeQueued
	case "error", "missingFiles":
		return endpoint.HomeError
	default:
		return endpoint.HomeDownloading
	}
}
