package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"nat-tunnel/agent/internal/diagnostics"
	"nat-tunnel/internal/tunnelerr"
)

// Client reads diagnostics from a remote agent's status API.
type Client struct {
	resty *resty.Client
}

func NewClient(baseURL string) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second)
	return &Client{resty: client}
}

func (c *Client) Status(ctx context.Context, token, name string) (diagnostics.Report, error) {
	var rep diagnostics.Report
	resp, err := c.resty.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&rep).
		Get(pathStatus + "/" + url.PathEscape(name))
	if err != nil {
		return diagnostics.Report{}, err
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return diagnostics.Report{}, ErrUnauthorized
	case resp.StatusCode() == http.StatusNotFound:
		return diagnostics.Report{}, tunnelerr.New(tunnelerr.NotFound, "endpoint "+name, "", "not installed on %s", c.resty.BaseURL)
	case resp.IsError():
		return diagnostics.Report{}, errors.New(resp.String())
	}
	return rep, nil
}

func (c *Client) List(ctx context.Context, token string) ([]Summary, error) {
	var out struct {
		Endpoints []Summary `json:"endpoints"`
	}
	resp, err := c.resty.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get(pathStatus)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list status: %s", resp.String())
	}
	return out.Endpoints, nil
}
