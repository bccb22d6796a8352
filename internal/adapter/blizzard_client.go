package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/guild-tracker/internal/models"
)

// ServiceBlizzard names the Battle.net game data API
const ServiceBlizzard = "blizzard"

// BlizzardClient reads the static game data API (achievement index and media)
type BlizzardClient struct {
	exec      *Executor
	baseURL   string
	namespace string
	locale    string
}

// NewBlizzardClient creates a client for baseURL (e.g. https://us.api.blizzard.com)
func NewBlizzardClient(exec *Executor, baseURL, region, locale string) *BlizzardClient {
	if locale == "" {
		locale = "en_US"
	}
	return &BlizzardClient{
		exec:      exec,
		baseURL:   strings.TrimRight(baseURL, "/"),
		namespace: "static-" + strings.ToLower(region),
		locale:    locale,
	}
}

type achievementIndexResponse struct {
	Achievements []struct {
		Key struct {
			Href string `json:"href"`
		} `json:"key"`
		Name string `json:"name"`
		ID   int64  `json:"id"`
	} `json:"achievements"`
}

type mediaResponse struct {
	Assets []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"assets"`
}

// ListResources fetches the full resource index of the given kind
func (c *BlizzardClient) ListResources(ctx context.Context, kind string) ([]models.GameResource, error) {
	if kind != models.ResourceKindAchievement {
		return nil, fmt.Errorf("unsupported resource kind %q", kind)
	}

	var resp achievementIndexResponse
	if err := c.exec.Execute(ctx, &Request{Method: http.MethodGet, URL: c.url("/data/wow/achievement/index")}, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch achievement index: %w", err)
	}

	resources := make([]models.GameResource, 0, len(resp.Achievements))
	for _, a := range resp.Achievements {
		resources = append(resources, models.GameResource{
			ID:   a.ID,
			Kind: kind,
			Name: a.Name,
			Href: a.Key.Href,
		})
	}
	return resources, nil
}

// FetchIconURL returns the URL of the asset keyed "icon" for an achievement,
// or "" when the media set has none.
func (c *BlizzardClient) FetchIconURL(ctx context.Context, id int64) (string, error) {
	var resp mediaResponse
	path := fmt.Sprintf("/data/wow/media/achievement/%d", id)
	if err := c.exec.Execute(ctx, &Request{Method: http.MethodGet, URL: c.url(path)}, &resp); err != nil {
		return "", fmt.Errorf("failed to fetch media for achievement %d: %w", id, err)
	}

	for _, asset := range resp.Assets {
		if asset.Key == "icon" {
			return asset.Value, nil
		}
	}
	return "", nil
}

func (c *BlizzardClient) url(path string) string {
	q := url.Values{}
	q.Set("namespace", c.namespace)
	q.Set("locale", c.locale)
	return c.baseURL + path + "?" + q.Encode()
}
