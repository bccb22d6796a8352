package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/guild-tracker/internal/adapter"
	"github.com/guild-tracker/internal/coalesce"
	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/models"
)

// ResolutionStore persists resolved names. GetResolution returns nil, nil on a miss.
type ResolutionStore interface {
	GetResolution(ctx context.Context, name string) (*models.CachedResolution, error)
	UpsertResolution(ctx context.Context, r *models.CachedResolution) error
}

// ResourceIndex lists the resources names are matched against
type ResourceIndex interface {
	ListResources(ctx context.Context, kind string) ([]models.GameResource, error)
}

// MediaSource looks up the icon URL of a resource
type MediaSource interface {
	FetchIconURL(ctx context.Context, id int64) (string, error)
}

// Downloader fetches asset bytes
type Downloader interface {
	Download(ctx context.Context, url string) (*adapter.Asset, error)
}

// AssetStore persists asset bytes and returns the public reference to them
type AssetStore interface {
	Save(ctx context.Context, data []byte, sourceURL, contentType string) (string, error)
}

// Config wires an IconResolver
type Config struct {
	Store      ResolutionStore
	Index      ResourceIndex
	Media      MediaSource
	Downloader Downloader
	Assets     AssetStore
	Matcher    Matcher
	BatchDelay time.Duration
	Logger     *logging.Logger
}

type resolved struct {
	ref   string
	found bool
}

// IconResolver turns boss and raid names into locally stored icons
type IconResolver struct {
	store      ResolutionStore
	index      ResourceIndex
	media      MediaSource
	downloader Downloader
	assets     AssetStore
	matcher    Matcher
	batchDelay time.Duration
	inflight   coalesce.Group[resolved]
	logger     *logging.Logger

	mu        sync.Mutex
	resources []models.GameResource
}

// NewIconResolver creates a resolver
func NewIconResolver(cfg Config) *IconResolver {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &IconResolver{
		store:      cfg.Store,
		index:      cfg.Index,
		media:      cfg.Media,
		downloader: cfg.Downloader,
		assets:     cfg.Assets,
		matcher:    cfg.Matcher,
		batchDelay: cfg.BatchDelay,
		logger:     logger.Named("icon_resolver"),
	}
}

// ResolveIcon returns the local asset reference for name. found is false when no
// resource matches; that is a normal outcome, not an error. Concurrent first-time
// lookups of one name share a single resolution.
func (r *IconResolver) ResolveIcon(ctx context.Context, name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}

	if cached, err := r.store.GetResolution(ctx, name); err != nil {
		return "", false, fmt.Errorf("failed to read resolution for %q: %w", name, err)
	} else if cached != nil {
		return cached.LocalAssetRef, true, nil
	}

	res, _, err := r.inflight.Do(ctx, name, func(ctx context.Context) (resolved, error) {
		return r.resolve(ctx, name)
	})
	if err != nil {
		return "", false, err
	}
	return res.ref, res.found, nil
}

func (r *IconResolver) resolve(ctx context.Context, name string) (resolved, error) {
	// a caller that just finished may have stored it
	if cached, err := r.store.GetResolution(ctx, name); err != nil {
		return resolved{}, fmt.Errorf("failed to read resolution for %q: %w", name, err)
	} else if cached != nil {
		return resolved{ref: cached.LocalAssetRef, found: true}, nil
	}

	resources, err := r.loadIndex(ctx)
	if err != nil {
		return resolved{}, err
	}

	match := r.matcher.Match(name, resources)
	if match == nil {
		r.logger.WithField("name", name).Debug("No resource matches name")
		return resolved{}, nil
	}

	iconURL, err := r.media.FetchIconURL(ctx, match.ID)
	if err != nil {
		return resolved{}, err
	}
	if iconURL == "" {
		r.logger.WithFields(map[string]interface{}{"name": name, "resourceId": match.ID}).Debug("Matched resource has no icon asset")
		return resolved{}, nil
	}

	asset, err := r.downloader.Download(ctx, iconURL)
	if err != nil {
		return resolved{}, err
	}

	ref, err := r.assets.Save(ctx, asset.Data, iconURL, asset.ContentType)
	if err != nil {
		return resolved{}, fmt.Errorf("failed to store icon for %q: %w", name, err)
	}

	if err := r.store.UpsertResolution(ctx, &models.CachedResolution{
		Name:               name,
		UpstreamResourceID: match.ID,
		UpstreamAssetURL:   iconURL,
		LocalAssetRef:      ref,
		LastUpdated:        time.Now().UTC(),
	}); err != nil {
		return resolved{}, fmt.Errorf("failed to cache resolution for %q: %w", name, err)
	}

	r.logger.WithFields(map[string]interface{}{
		"name":       name,
		"matched":    match.Name,
		"resourceId": match.ID,
		"ref":        ref,
	}).Info("Resolved icon")

	return resolved{ref: ref, found: true}, nil
}

// ResolveMany resolves names one after another, waiting BatchDelay between names
// that need upstream calls. The result has one key per distinct input name; the
// value is "" when no icon is available. Per-name failures leave "" in the map and
// are joined into the returned error.
func (r *IconResolver) ResolveMany(ctx context.Context, names []string) (map[string]string, error) {
	unique := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		unique = append(unique, n)
	}

	limit := rate.Inf
	if r.batchDelay > 0 {
		limit = rate.Every(r.batchDelay)
	}
	throttle := rate.NewLimiter(limit, 1)

	out := make(map[string]string, len(unique))
	var errs []error
	for _, name := range unique {
		cached, err := r.store.GetResolution(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			out[name] = ""
			continue
		}
		if cached != nil {
			out[name] = cached.LocalAssetRef
			continue
		}

		if err := throttle.Wait(ctx); err != nil {
			return out, errors.Join(append(errs, err)...)
		}

		ref, _, err := r.ResolveIcon(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		out[name] = ref
	}
	return out, errors.Join(errs...)
}

// InvalidateIndex drops the in-memory copy of the resource index
func (r *IconResolver) InvalidateIndex() {
	r.mu.Lock()
	r.resources = nil
	r.mu.Unlock()
}

func (r *IconResolver) loadIndex(ctx context.Context) ([]models.GameResource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resources != nil {
		return r.resources, nil
	}
	resources, err := r.index.ListResources(ctx, models.ResourceKindAchievement)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource index: %w", err)
	}
	r.resources = resources
	return resources, nil
}
