package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"galene_stream/native/internal/domain"
)

const statusFile = ".status.json"

// Client fetches group status documents from a Galène server.
type Client struct {
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates an API client. insecure disables certificate checks.
func NewClient(insecure bool, logger zerolog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-out
	}
	return &Client{
		http: &http.Client{Transport: transport, Timeout: 15 * time.Second},
		log:  logger.With().Str("module", "api").Logger(),
	}
}

// FetchStatus reads the status document of the group at groupURL. Missing
// name or endpoint fields are derived from the group URL.
func (c *Client) FetchStatus(ctx context.Context, groupURL string) (*domain.GroupStatus, error) {
	u, err := parseGroupURL(groupURL)
	if err != nil {
		return nil, err
	}
	statusURL := u.JoinPath(statusFile)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug().Str("url", statusURL.String()).Msg("fetching group status")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status domain.GroupStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if status.Name == "" {
		status.Name, err = GroupFromURL(groupURL)
		if err != nil {
			return nil, err
		}
	}
	if status.Endpoint == "" {
		status.Endpoint, err = EndpointFromURL(groupURL)
		if err != nil {
			return nil, err
		}
	}
	return &status, nil
}

// GroupFromURL extracts the group name from a URL of the form
// https://host/group/<name>/.
func GroupFromURL(groupURL string) (string, error) {
	u, err := parseGroupURL(groupURL)
	if err != nil {
		return "", err
	}
	name := strings.Trim(strings.TrimPrefix(u.Path, "/group/"), "/")
	if name == "" {
		return "", fmt.Errorf("group url %q: missing group name", groupURL)
	}
	return name, nil
}

// EndpointFromURL derives the WebSocket endpoint served next to a group URL.
func EndpointFromURL(groupURL string) (string, error) {
	u, err := parseGroupURL(groupURL)
	if err != nil {
		return "", err
	}
	ws := url.URL{Scheme: "wss", Host: u.Host, Path: "/ws"}
	if u.Scheme == "http" {
		ws.Scheme = "ws"
	}
	return ws.String(), nil
}

func parseGroupURL(groupURL string) (*url.URL, error) {
	u, err := url.Parse(groupURL)
	if err != nil {
		return nil, fmt.Errorf("parse group url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("group url %q: scheme must be http or https", groupURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("group url %q: missing host", groupURL)
	}
	if !strings.HasPrefix(u.Path, "/group/") {
		return nil, fmt.Errorf("group url %q: path must start with /group/", groupURL)
	}
	return u, nil
}
