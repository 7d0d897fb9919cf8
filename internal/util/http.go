package util

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mjbernaski/threemodels/internal/providers/apierr"
)

// PostJSON sends body as JSON and returns the open response on 2xx.
// Non-2xx responses are drained, closed and returned as *apierr.HTTPStatusError.
func PostJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, body any, source string) (*http.Response, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s marshal payload: %w", source, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apierr.FromResponse(resp, source)
	}
	return resp, nil
}
