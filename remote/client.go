// Package remote implements the JSON client for the remote catalog API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
)

// Response is the raw outcome of one API call.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client talks to the versioned catalog API with bearer-token auth.
// Every call carries the configured timeout; callers are expected to
// gate calls through the admission tracker before dispatching.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	pageSize   int
	httpClient *http.Client
}

// NewClient builds a client from cfg. The base URL must already include
// the API version path ("/v1").
func NewClient(cfg *config.Config) (*Client, error) {
	parsed, err := url.Parse(cfg.RemoteBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	return &Client{
		baseURL:   strings.TrimSuffix(cfg.RemoteBaseURL, "/"),
		token:     cfg.RemoteToken,
		userAgent: cfg.UserAgent,
		pageSize:  cfg.PageSize,
		httpClient: &http.Client{
			Timeout: cfg.CallTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.CallTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// WithTransport swaps the underlying round tripper; tests inject mock
// transports here.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.httpClient.Transport = rt
}

// Do issues one API call and returns the raw response. Non-2xx statuses
// and transport failures come back as *CallError.
func (c *Client) Do(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*Response, error) {
	callURL := c.baseURL + endpoint
	if len(query) > 0 {
		callURL += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CallError{
			Endpoint: endpoint,
			Timeout:  isTimeout(err),
			Err:      err,
		}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, &CallError{Endpoint: endpoint, Timeout: isTimeout(err), Err: err}
	}

	out := &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    buf.Bytes(),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &CallError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Headers:  resp.Header,
			Err:      fmt.Errorf("http status %d", resp.StatusCode),
		}
	}
	return out, nil
}

type productList struct {
	Products []struct {
		ID string `json:"id"`
	} `json:"products"`
}

// ListProductIDs pages through the product listing and returns every
// remote id matching the filter. The filter is passed through as the
// `collection` query parameter; empty means the whole catalog.
func (c *Client) ListProductIDs(ctx context.Context, filter string) ([]string, error) {
	var ids []string
	for page := 1; ; page++ {
		query := url.Values{
			"page":  {strconv.Itoa(page)},
			"limit": {strconv.Itoa(c.pageSize)},
		}
		if filter != "" {
			query.Set("collection", filter)
		}

		resp, err := c.Do(ctx, http.MethodGet, "/products", query, nil)
		if err != nil {
			return nil, err
		}

		var list productList
		if err := json.Unmarshal(resp.Body, &list); err != nil {
			return nil, fmt.Errorf("decode product list page %d: %w", page, err)
		}
		for _, p := range list.Products {
			ids = append(ids, p.ID)
		}
		if len(list.Products) < c.pageSize {
			return ids, nil
		}
	}
}

// GetProduct fetches full detail for one remote product.
func (c *Client) GetProduct(ctx context.Context, remoteID string) (*models.RemoteProduct, http.Header, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/products/"+remoteID, nil, nil)
	if err != nil {
		return nil, headersOf(resp), err
	}

	var envelope struct {
		Product models.RemoteProduct `json:"product"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, resp.Headers, fmt.Errorf("decode product %s: %w", remoteID, err)
	}
	return &envelope.Product, resp.Headers, nil
}

// PushOrder writes local order state back to the remote API.
func (c *Client) PushOrder(ctx context.Context, update *models.OrderUpdate) (http.Header, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode order update: %w", err)
	}
	resp, err := c.Do(ctx, http.MethodPut, "/orders/"+update.RemoteID, nil, payload)
	return headersOf(resp), err
}

func headersOf(resp *Response) http.Header {
	if resp == nil {
		return nil
	}
	return resp.Headers
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
