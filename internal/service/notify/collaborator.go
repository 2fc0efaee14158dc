package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"wallet_chat/internal/model"
)

type (
	// HTTPCollaborator talks to a push service exposing POST {base}/send
	// and GET {base}/ids?name=...
	HTTPCollaborator struct {
		base  string
		httpc *http.Client
	}

	notifyResponse struct {
		State model.DeliveryState `json:"state"`
	}

	lookupIDResponse struct {
		PlatformID int64 `json:"platform_id"`
	}
)

func NewHTTPCollaborator(baseURL string) *HTTPCollaborator {
	return &HTTPCollaborator{base: baseURL, httpc: http.DefaultClient}
}

func (c *HTTPCollaborator) Notify(ctx context.Context, n model.Notification) (model.DeliveryState, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return model.DeliveryError, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/send", bytes.NewReader(data))
	if err != nil {
		return model.DeliveryError, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return model.DeliveryError, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return model.DeliveryError, errors.Errorf("push service returned %d", resp.StatusCode)
	}

	var out notifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.DeliveryError, errors.Wrap(err, "decode push response")
	}
	return out.State, nil
}

func (c *HTTPCollaborator) LookupID(ctx context.Context, displayName string) (int64, error) {
	q := url.Values{"name": []string{displayName}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ids?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, nil
	default:
		return 0, errors.Errorf("push service returned %d", resp.StatusCode)
	}

	var out lookupIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errors.Wrap(err, "decode id lookup response")
	}
	return out.PlatformID, nil
}
