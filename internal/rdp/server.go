package rdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Target is one debuggable surface (a tab) as listed by the browser.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is the browser's /json/version payload.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	Protocol             string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Server talks to the browser's HTTP tab-control endpoint.
type Server struct {
	Host   string
	Port   int
	Client *http.Client
}

// NewServer returns a tab-control client for host:port.
func NewServer(host string, port int) *Server {
	return &Server{
		Host:   host,
		Port:   port,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Version returns browser version information.
func (s *Server) Version(ctx context.Context) (*VersionInfo, error) {
	body, err := s.request(ctx, http.MethodGet, "version")
	if err != nil {
		return nil, err
	}
	var info VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing version info: %w", err)
	}
	return &info, nil
}

// List returns every target the browser exposes.
func (s *Server) List(ctx context.Context) ([]Target, error) {
	body, err := s.request(ctx, http.MethodGet, "list")
	if err != nil {
		return nil, err
	}
	var targets []Target
	if err := json.Unmarshal(body, &targets); err != nil {
		return nil, fmt.Errorf("parsing target list: %w", err)
	}
	return targets, nil
}

// NewTab opens a blank tab.
func (s *Server) NewTab(ctx context.Context) (*Target, error) {
	// current browsers reject GET on /json/new
	body, err := s.request(ctx, http.MethodPut, "new")
	if err != nil {
		var status *statusError
		if !errors.As(err, &status) || status.code != http.StatusMethodNotAllowed {
			return nil, err
		}
		body, err = s.request(ctx, http.MethodGet, "new")
		if err != nil {
			return nil, err
		}
	}

	var target Target
	if err := json.Unmarshal(body, &target); err != nil {
		return nil, fmt.Errorf("parsing new tab: %w", err)
	}
	if target.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("new tab %q has no WebSocket URL", target.ID)
	}
	return &target, nil
}

// CloseTab closes the tab with the given id.
func (s *Server) CloseTab(ctx context.Context, id string) error {
	_, err := s.request(ctx, http.MethodGet, "close/"+id)
	return err
}

// ActivateTab brings the tab with the given id to the foreground.
func (s *Server) ActivateTab(ctx context.Context, id string) error {
	_, err := s.request(ctx, http.MethodGet, "activate/"+id)
	return err
}

// CloseTabs closes every page target.
func (s *Server) CloseTabs(ctx context.Context) error {
	targets, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.Type != "" && t.Type != "page" {
			continue
		}
		if err := s.CloseTab(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

type statusError struct {
	path string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.path, e.code)
}

func (s *Server) request(ctx context.Context, method, path string) ([]byte, error) {
	url := fmt.Sprintf("http://%s/json/%s", s.Addr(), path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser not reachable at %s: %w", s.Addr(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{path: "/json/" + path, code: resp.StatusCode}
	}
	return body, nil
}
