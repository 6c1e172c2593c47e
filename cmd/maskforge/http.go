package main

// ---------------------------------------------------------------------------
// http.go — HTTP client helpers for talking to a running instance
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/maskforge/maskforge/internal/core"
)

// remoteFlags locate a running maskforge API.
type remoteFlags struct {
	host    string
	port    int
	apiKey  string
	timeout time.Duration
}

func (r *remoteFlags) base(configPath string) string {
	host := "127.0.0.1"
	port := core.DefaultConfig().Server.Port

	cfg, err := core.LoadConfig(envConfig(configPath))
	if err == nil && cfg != nil {
		if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
			host = cfg.Server.Host
		}
		if cfg.Server.Port != 0 {
			port = cfg.Server.Port
		}
	}
	if h := envHost(r.host); h != "" {
		host = h
	}
	if p := envPort(r.port); p != 0 {
		port = p
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// key returns the API key from flag, env, or config (in that order).
func (r *remoteFlags) key(configPath string) string {
	if r.apiKey != "" {
		return r.apiKey
	}
	if envKey := os.Getenv("MASKFORGE_API_KEY"); envKey != "" {
		return envKey
	}
	cfg, err := core.LoadConfig(envConfig(configPath))
	if err == nil && cfg != nil && len(cfg.Server.APIKeys) > 0 {
		return cfg.Server.APIKeys[0]
	}
	return ""
}

func apiGet(url, apiKey string, timeout time.Duration) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to maskforge API at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return body, fmt.Errorf("authentication failed (HTTP %d), provide --api-key or set MASKFORGE_API_KEY", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return body, fmt.Errorf("API returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
