package upstreamclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/port/outbound"
)

// sseEventBufSize/sseEventMaxSize bound a single SSE event the same way the
// streamable-HTTP scanner bounds a single JSON-RPC line.
const (
	sseEventBufSize = 256 * 1024
	sseEventMaxSize = 1024 * 1024
)

// SSEClient connects to an MCP server using the paired SSE transport: one
// long-lived GET with Accept: text/event-stream for the read side, and a
// POST to a server-advertised endpoint for the write side. The server
// advertises the POST endpoint as the first SSE event, named "endpoint".
type SSEClient struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client

	mu         sync.Mutex
	sessionID  string
	postReady  chan struct{}
	postURL    string
	postOnce   sync.Once
	cancel     context.CancelFunc
	ctx        context.Context
	respWriter *io.PipeWriter
	respReader *io.PipeReader
	reqWriter  *io.PipeWriter
	reqReader  *io.PipeReader
	wg         sync.WaitGroup
	done       chan struct{}
	started    bool
}

// NewSSEClient creates a client for the given MCP SSE endpoint (a URL whose
// path ends in "/sse").
func NewSSEClient(endpoint string, headers map[string]string) *SSEClient {
	return &SSEClient{
		endpoint: endpoint,
		headers:  headers,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		postReady: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start opens the GET event stream and prepares the write-side pipe. The
// returned io.WriteCloser accepts newline-delimited JSON-RPC messages; each
// is POSTed to the server-advertised endpoint once known.
func (c *SSEClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil, nil, errors.New("client already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("open sse stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("sse stream http status %d", resp.StatusCode)
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID = sid
	}

	c.reqReader, c.reqWriter = io.Pipe()
	c.respReader, c.respWriter = io.Pipe()

	c.wg.Add(2)
	go c.readEvents(resp.Body)
	go c.pumpRequests()

	return c.reqWriter, c.respReader, nil
}

// readEvents parses the SSE stream: the first "endpoint" event resolves the
// POST URL, each "message" event's data is a JSON-RPC message forwarded on
// the response pipe.
func (c *SSEClient) readEvents(body io.ReadCloser) {
	defer c.wg.Done()
	defer close(c.done)
	defer func() { _ = body.Close() }()
	defer func() { _ = c.respWriter.Close() }()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, sseEventBufSize)
	scanner.Buffer(buf, sseEventMaxSize)

	var eventName string
	var dataLines []string

	flush := func() {
		defer func() { eventName, dataLines = "", nil }()
		if len(dataLines) == 0 {
			return
		}
		data := strings.Join(dataLines, "\n")

		switch eventName {
		case "endpoint":
			c.resolvePostURL(data)
		default: // "message" or unnamed (spec-compliant servers use "message")
			if _, err := c.respWriter.Write([]byte(data)); err != nil {
				return
			}
			_, _ = c.respWriter.Write([]byte("\n"))
		}
	}

	for scanner.Scan() {
		if c.ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
}

// resolvePostURL resolves a (possibly relative) endpoint event payload
// against the SSE endpoint's host, and unblocks pumpRequests exactly once.
func (c *SSEClient) resolvePostURL(raw string) {
	base, err := url.Parse(c.endpoint)
	if err != nil {
		return
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return
	}

	c.mu.Lock()
	c.postURL = base.ResolveReference(ref).String()
	c.mu.Unlock()

	c.postOnce.Do(func() { close(c.postReady) })
}

// pumpRequests reads newline-delimited JSON-RPC messages from the request
// pipe and POSTs each to the resolved endpoint once it is known.
func (c *SSEClient) pumpRequests() {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.reqReader)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		msg := append([]byte(nil), raw...)

		select {
		case <-c.postReady:
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		}

		if err := c.post(msg); err != nil && c.ctx.Err() == nil {
			continue
		}
	}
}

func (c *SSEClient) post(body []byte) error {
	c.mu.Lock()
	postURL := c.postURL
	sessionID := c.sessionID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, postURL, io.NopCloser(newBytesReader(body)))
	if err != nil {
		return fmt.Errorf("create post request: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post message http status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until the SSE stream closes.
func (c *SSEClient) Wait() error {
	<-c.done
	return nil
}

// Close terminates the stream and both pipes.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	var errs []error
	if c.reqWriter != nil {
		if err := c.reqWriter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	if c.respReader != nil {
		if err := c.respReader.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

var _ outbound.MCPClient = (*SSEClient)(nil)
