package hubspot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/johnwards/leadfeed/internal/domain"
)

// OwnerByEmail looks up the active owner with the given email.
func (c *Client) OwnerByEmail(ctx context.Context, email string) (*domain.Owner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("owner by email: %w", ErrOwnerNotFound)
	}

	q := url.Values{}
	q.Set("email", email)
	q.Set("limit", "1")

	var out struct {
		Results []domain.Owner `json:"results"`
	}
	if err := c.getJSON(ctx, "owner by email", "/crm/v3/owners?"+q.Encode(), DefaultOwnerTTL, &out); err != nil {
		return nil, err
	}
	for i := range out.Results {
		if strings.EqualFold(out.Results[i].Email, email) {
			return &out.Results[i], nil
		}
	}
	return nil, fmt.Errorf("owner with email %q: %w", email, ErrOwnerNotFound)
}

// Owner fetches an owner by ID.
func (c *Client) Owner(ctx context.Context, id string) (*domain.Owner, error) {
	var out domain.Owner
	err := c.getJSON(ctx, "get owner", "/crm/v3/owners/"+url.PathEscape(id), DefaultOwnerTTL, &out)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("owner %s: %w", id, ErrOwnerNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// ResolveOwner resolves the CRM owner ID for the user identified by email.
func (c *Client) ResolveOwner(ctx context.Context, email string) (string, error) {
	o, err := c.OwnerByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	return o.ID, nil
}
