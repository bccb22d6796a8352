package models

import "time"

// CachedCredential is a bearer token minted for one upstream service
type CachedCredential struct {
	ServiceName string    `json:"serviceName" db:"service_name"`
	Token       string    `json:"token" db:"token"`
	TokenKind   string    `json:"tokenKind" db:"token_kind"`
	ExpiresAt   time.Time `json:"expiresAt" db:"expires_at"` // already reduced by the safety margin
}

// CachedResolution maps a free-text boss or raid name to a stored icon
type CachedResolution struct {
	Name               string    `json:"name" db:"name"`
	UpstreamResourceID int64     `json:"upstreamResourceId" db:"upstream_resource_id"`
	UpstreamAssetURL   string    `json:"upstreamAssetUrl" db:"upstream_asset_url"`
	LocalAssetRef      string    `json:"localAssetReference" db:"local_asset_ref"`
	LastUpdated        time.Time `json:"lastUpdated" db:"last_updated"`
}

// GameResource is one entry of the upstream resource index
type GameResource struct {
	ID   int64  `json:"id" db:"id"`
	Kind string `json:"kind" db:"kind"`
	Name string `json:"name" db:"name"`
	Href string `json:"href" db:"href"`
}

// ResourceKindAchievement is the index the icon resolver matches against
const ResourceKindAchievement = "achievement"
