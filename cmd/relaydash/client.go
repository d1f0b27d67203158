package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydash/internal/config"
	"github.com/agentworkforce/relaydash/internal/httpapi"
)

const cliTokenTTL = 5 * time.Minute

// apiOptions are the flags shared by commands that talk to a running consumer API.
type apiOptions struct {
	apiURL string
	token  string
}

func (o *apiOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.apiURL, "api", "", "consumer API base URL (default http://<server.addr>)")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv(config.EnvPrefix+"TOKEN"), "bearer token (minted from server.jwt_secret when empty)")
}

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(cfg *config.Config, opts apiOptions, scopes ...string) (*apiClient, error) {
	base := strings.TrimSpace(opts.apiURL)
	if base == "" {
		base = "http://" + cfg.Server.Addr
	}
	token := strings.TrimSpace(opts.token)
	if token == "" {
		minted, err := httpapi.MintToken(cfg.Server.JWTSecret, cfg.Server.Session, "relaydash-cli", scopes, time.Now().Add(cliTokenTTL))
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}
		token = minted
	}
	return &apiClient{
		baseURL:    strings.TrimRight(base, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: cfg.Rest.RequestTimeout.Std()},
	}, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", http.MethodGet, path, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("%s %s: status %d", http.MethodGet, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// streamURL rewrites the API base to the ws(s) stream endpoint.
func (c *apiClient) streamURL() (string, error) {
	parsed, err := url.Parse(c.baseURL + "/v1/stream")
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	return parsed.String(), nil
}
