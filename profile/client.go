// Package profile resolves display data for roster entries. The profile
// service itself is a collaborator outside this module; we only consume its
// batch lookup endpoint.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// Profile is the display data shown against a roster entry.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Source is anything that can resolve a batch of user ids to profiles.
type Source interface {
	// Profiles resolves the given distinct user ids in one request. The result
	// may omit unknown ids; it is never one-request-per-id.
	Profiles(ctx context.Context, userIDs []string) ([]Profile, error)
}

// HTTPClient talks to the profile service's batch endpoint.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
}

func (c *HTTPClient) Profiles(ctx context.Context, userIDs []string) ([]Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{userIDs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/profiles/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Profiles: NewRequest failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Profiles: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("Profiles: response returned %s", res.Status)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var profiles []Profile
	for _, p := range gjson.ParseBytes(raw).Get("profiles").Array() {
		profiles = append(profiles, Profile{
			ID:          p.Get("id").Str,
			DisplayName: p.Get("display_name").Str,
			AvatarURL:   p.Get("avatar_url").Str,
		})
	}
	return profiles, nil
}
