package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/undoablehq/undoable/internal/config"
)

// apiClient is the thin HTTP client shared by the runs/jobs/channels/status
// commands. It talks to a running daemon; it never starts one.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	settings, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	// A daemon bound to all interfaces is reached via loopback.
	host := settings.Gateway.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	return &apiClient{
		base:  "http://" + net.JoinHostPort(host, strconv.Itoa(settings.Gateway.Port)),
		token: settings.Gateway.Token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends one JSON request and decodes the JSON response into out (when
// non-nil). Error responses come back as plain errors carrying the daemon's
// message.
func (c *apiClient) do(method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (is it running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// rpc calls the POST /gateway envelope and returns the raw result. The
// envelope is always HTTP 200; failures ride in its error object.
func (c *apiClient) rpc(method string, params interface{}) (json.RawMessage, error) {
	req := map[string]interface{}{"method": method}
	if params != nil {
		req["params"] = params
	}
	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.do(http.MethodPost, "/gateway", req, &envelope); err != nil {
		return nil, err
	}
	if !envelope.OK {
		if envelope.Error != nil {
			return nil, fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return nil, fmt.Errorf("rpc %s failed", method)
	}
	return envelope.Result, nil
}

// stream opens an SSE response. The caller consumes the body and closes it.
func (c *apiClient) stream(path string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// No client timeout: the stream stays open until interrupted.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (is it running?): %w", c.base, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.Body, nil
}
