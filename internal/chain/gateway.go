package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// GatewayClient calls the registry gateway over HTTP.
type GatewayClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *fasthttp.Client
}

func NewGatewayClient(baseURL, apiKey string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "quorumvault",
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		},
	}
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Body)
}

func (c *GatewayClient) SubmitExecution(ctx context.Context, req ExecutionRequest) (Submission, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Submission{}, fmt.Errorf("marshal execution request: %w", err)
	}
	var out Submission
	code, err := c.do(ctx, fasthttp.MethodPost, "/executions", req.EscrowID, body, &out)
	if err != nil {
		if code >= 400 && code < 500 && code != fasthttp.StatusTooManyRequests && code != fasthttp.StatusRequestTimeout {
			return Submission{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return Submission{}, err
	}
	if out.Handle == "" {
		return Submission{}, fmt.Errorf("gateway returned empty handle for escrow %s", req.EscrowID)
	}
	return out, nil
}

func (c *GatewayClient) GetReceipt(ctx context.Context, handle string) (Receipt, error) {
	var out Receipt
	code, err := c.do(ctx, fasthttp.MethodGet, "/executions/"+url.PathEscape(handle), "", nil, &out)
	if code == fasthttp.StatusNotFound {
		return Receipt{}, ErrHandleNotFound
	}
	if err != nil {
		return Receipt{}, err
	}
	if out.Status == "" {
		out.Status = ReceiptUnknown
	}
	return out, nil
}

func (c *GatewayClient) GetMembershipRoot(ctx context.Context, policyID string) (string, error) {
	var out struct {
		Root string `json:"root"`
	}
	code, err := c.do(ctx, fasthttp.MethodGet, "/policies/"+url.PathEscape(policyID)+"/root", "", nil, &out)
	if code == fasthttp.StatusNotFound {
		return "", ErrRootNotFound
	}
	if err != nil {
		return "", err
	}
	return out.Root, nil
}

func (c *GatewayClient) do(ctx context.Context, method, path, idempotencyKey string, body []byte, out any) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}

	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		return code, &StatusError{Code: code, Body: truncate(string(resp.Body()), 256)}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return code, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return code, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
