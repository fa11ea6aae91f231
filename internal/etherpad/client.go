// Package etherpad is a small client for the Etherpad Lite HTTP API.
package etherpad

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paperhub/internal/errs"
)

const (
	codeOK           = 0
	codeInvalidParam = 1
)

type Options struct {
	BaseURL    string
	APIKey     string
	APIVersion string
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	apiKey     string
	apiVersion string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:9001"
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "1.2.13"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		apiVersion: apiVersion,
		httpClient: httpClient,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// LastEdited returns the pad's last edit time in milliseconds since the epoch.
// A missing pad is reported as errs.ErrNotFound.
func (c *Client) LastEdited(ctx context.Context, padID string) (int64, error) {
	var data struct {
		LastEdited int64 `json:"lastEdited"`
	}
	if err := c.call(ctx, http.MethodGet, "getLastEdited", url.Values{"padID": {padID}}, &data); err != nil {
		return 0, err
	}
	return data.LastEdited, nil
}

func (c *Client) CreatePad(ctx context.Context, padID string) error {
	return c.call(ctx, http.MethodGet, "createPad", url.Values{"padID": {padID}}, nil)
}

// SetText replaces the pad's text. The text travels in a form body since it
// can exceed URL limits.
func (c *Client) SetText(ctx context.Context, padID, text string) error {
	return c.call(ctx, http.MethodPost, "setText", url.Values{"padID": {padID}, "text": {text}}, nil)
}

func (c *Client) GetText(ctx context.Context, padID string) (string, error) {
	var data struct {
		Text string `json:"text"`
	}
	if err := c.call(ctx, http.MethodGet, "getText", url.Values{"padID": {padID}}, &data); err != nil {
		return "", err
	}
	return data.Text, nil
}

// CheckToken verifies the API key against the server.
func (c *Client) CheckToken(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "checkToken", url.Values{}, nil)
}

func (c *Client) call(ctx context.Context, httpMethod, method string, params url.Values, out any) error {
	params.Set("apikey", c.apiKey)
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, c.apiVersion, method)

	var (
		req *http.Request
		err error
	)
	if httpMethod == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return errs.Wrap(errs.ErrRemoteAPI, err, "build %s request", method)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.ErrRemoteAPI, err, "etherpad %s", method)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return errs.Wrap(errs.ErrRemoteAPI, readErr, "read %s response", method)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.Wrap(errs.ErrRemoteAPI, nil, "etherpad %s: status=%d message=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errs.Wrap(errs.ErrRemoteAPI, err, "decode %s response", method)
	}
	if env.Code != codeOK {
		if env.Code == codeInvalidParam && strings.Contains(env.Message, "does not exist") {
			return errs.Wrap(errs.ErrNotFound, nil, "etherpad %s: %s", method, env.Message)
		}
		return errs.Wrap(errs.ErrRemoteAPI, nil, "etherpad %s: code=%d message=%s", method, env.Code, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.Wrap(errs.ErrRemoteAPI, err, "decode %s data", method)
	}
	return nil
}
