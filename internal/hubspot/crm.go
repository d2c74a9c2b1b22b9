package hubspot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/johnwards/leadfeed/internal/domain"
)

// Search runs a CRM search against objectType.
func (c *Client) Search(ctx context.Context, objectType string, req *domain.SearchRequest) (*domain.SearchResult, error) {
	var out domain.SearchResult
	path := fmt.Sprintf("/crm/v3/objects/%s/search", url.PathEscape(objectType))
	if err := c.postJSON(ctx, "search "+objectType, path, req, c.searchTTL, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchRead reads up to one batch of objects by ID with the given properties.
// IDs the CRM cannot resolve are omitted from the result. An empty ids slice
// returns without a network call.
func (c *Client) BatchRead(ctx context.Context, objectType string, ids, properties []string) ([]*domain.Object, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := domain.BatchReadRequest{
		Inputs:     objectIDs(ids),
		Properties: properties,
	}
	var out domain.BatchReadResponse
	path := fmt.Sprintf("/crm/v3/objects/%s/batch/read", url.PathEscape(objectType))
	if err := c.postJSON(ctx, "batch read "+objectType, path, body, c.batchTTL, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// BatchReadAssociations returns, for each ID in ids, the stubs of the toType
// records associated with it. IDs without associations are absent from the
// map. An empty ids slice returns without a network call.
func (c *Client) BatchReadAssociations(ctx context.Context, fromType, toType string, ids []string) (map[string][]domain.RecordStub, error) {
	if len(ids) == 0 {
		return map[string][]domain.RecordStub{}, nil
	}
	body := domain.AssociationBatchReadRequest{Inputs: objectIDs(ids)}
	var out domain.AssociationBatchReadResponse
	path := fmt.Sprintf("/crm/v3/associations/%s/%s/batch/read", url.PathEscape(fromType), url.PathEscape(toType))
	op := fmt.Sprintf("associations %s->%s", fromType, toType)
	if err := c.postJSON(ctx, op, path, body, c.batchTTL, &out); err != nil {
		return nil, err
	}

	m := make(map[string][]domain.RecordStub, len(out.Results))
	for _, row := range out.Results {
		m[row.From.ID] = append(m[row.From.ID], row.To...)
	}
	return m, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in any, freshness time.Duration, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	resp, err := c.Fetch(ctx, path, RequestInit{Method: http.MethodPost, Body: b}, freshness)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return decode(op, resp, out)
}

func (c *Client) getJSON(ctx context.Context, op, path string, freshness time.Duration, out any) error {
	resp, err := c.Fetch(ctx, path, RequestInit{Method: http.MethodGet}, freshness)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return decode(op, resp, out)
}

func decode(op string, resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		return newHTTPError(op, resp, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func objectIDs(ids []string) []domain.ObjectID {
	out := make([]domain.ObjectID, len(ids))
	for i, id := range ids {
		out[i] = domain.ObjectID{ID: id}
	}
	return out
}
