package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// instanceClient queries the HTTP endpoints of a running `degiro run`.
type instanceClient struct {
	base string
	hc   *http.Client
}

func newInstanceClient(listen string) (*instanceClient, error) {
	if listen == "" {
		return nil, fmt.Errorf("monitor.listen is empty; the running instance serves no endpoints")
	}
	base := listen
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &instanceClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// get fetches path and decodes the JSON body into v. Non-2xx responses
// other than 503 from /healthz are errors.
func (c *instanceClient) get(ctx context.Context, path string, query url.Values, v any) (int, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("is `degiro run` running? %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return res.StatusCode, fmt.Errorf("read %s: %w", path, err)
	}
	if res.StatusCode >= 400 && res.StatusCode != http.StatusServiceUnavailable {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return res.StatusCode, fmt.Errorf("%s: %s", path, e.Error)
		}
		return res.StatusCode, fmt.Errorf("%s returned %d", path, res.StatusCode)
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return res.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return res.StatusCode, nil
}

// raw fetches path and returns the body unchanged.
func (c *instanceClient) raw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var msg json.RawMessage
	if _, err := c.get(ctx, path, query, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
