package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const DefaultEventsPath = "/events/{job}"

// SSETransport connects to the job event feed over Server-Sent Events.
type SSETransport struct {
	BaseURL string
	// Path is appended to BaseURL; "{job}" is replaced by the escaped job id.
	Path string
	// TokenQuery also sends the credential as a "token" query parameter, the
	// way browser EventSource clients have to.
	TokenQuery bool
	Client     *http.Client
}

func (t *SSETransport) endpoint(jobID, credential string) (string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(t.BaseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid server url %q", t.BaseURL)
	}
	path := t.Path
	if strings.TrimSpace(path) == "" {
		path = DefaultEventsPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.ReplaceAll(path, "{job}", url.PathEscape(jobID))
	u := base.String() + path
	if t.TokenQuery {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(credential)
	}
	return u, nil
}

func (t *SSETransport) Dial(ctx context.Context, jobID, credential string) (Conn, error) {
	u, err := t.endpoint(jobID, credential)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+credential)

	client := t.Client
	if client == nil {
		// no client timeout: the body stays open for the life of the stream
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
	return &sseConn{body: resp.Body, scanner: scanner}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Next returns the data of the next SSE event. Multi-line data fields are
// joined with newlines; comments and other fields are ignored.
func (c *sseConn) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.done {
		return nil, fmt.Errorf("stream closed by server: %w", io.EOF)
	}

	var dataLines []string
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			data := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]
			if data == "" {
				continue
			}
			return []byte(data), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case line == "data":
			dataLines = append(dataLines, "")
		case strings.HasPrefix(line, "data:"):
			part := strings.TrimPrefix(line, "data:")
			part = strings.TrimPrefix(part, " ")
			dataLines = append(dataLines, part)
		}
	}
	c.done = true
	if err := c.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if data := strings.Join(dataLines, "\n"); data != "" {
		return []byte(data), nil
	}
	return nil, fmt.Errorf("stream closed by server: %w", io.EOF)
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
