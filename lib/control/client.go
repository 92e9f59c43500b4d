package control

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

// Client calls a control server, authenticating on first use and again
// when its token expires.
type Client struct {
	url      string
	password string
	http     *http.Client

	mu     sync.Mutex
	token  string
	nextID atomic.Int64
}

// NewClient creates a client for the server at address. Node certificates
// are self-signed, so HTTPS skips certificate verification.
func NewClient(address, password string, useHTTPS bool) *Client {
	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if useHTTPS {
		scheme = "https"
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	}
	return &Client{
		url:      scheme + "://" + address + "/jsonrpc",
		password: password,
		http:     &http.Client{Transport: transport},
	}
}

type rawResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method with params and decodes the result into result,
// which may be nil.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, result any) error {
	err := c.callAuthenticated(ctx, method, params, result)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeAuthRequired {
		c.setToken("")
		err = c.callAuthenticated(ctx, method, params, result)
	}
	return err
}

func (c *Client) callAuthenticated(ctx context.Context, method string, params map[string]any, result any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	withToken := make(map[string]any, len(params)+1)
	for k, v := range params {
		withToken[k] = v
	}
	withToken["Token"] = token
	return c.post(ctx, method, withToken, result)
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	var auth struct {
		Token string `json:"Token"`
	}
	if err := c.post(ctx, "Authenticate", map[string]any{"API": 1, "Password": c.password}, &auth); err != nil {
		return "", err
	}
	c.setToken(auth.Token)
	return auth.Token, nil
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, method string, params map[string]any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return oops.Wrapf(err, "encoding %s params", method)
	}
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return oops.Wrapf(err, "encoding %s request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return oops.Wrapf(err, "building %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return oops.Wrapf(err, "calling %s", method)
	}
	defer resp.Body.Close()

	var decoded rawResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return oops.Wrapf(err, "decoding %s response", method)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return oops.Wrapf(err, "decoding %s result", method)
	}
	return nil
}
