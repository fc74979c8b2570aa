// Package keystore holds the durable record of tracked API keys, the active
// key, and the append-only audit log of key lifecycle events.
package keystore

import (
	"encoding/hex"
	"hash/fnv"
	"time"
)

// ShortIDLen is the length of the key id prefix used in usage snapshots.
const ShortIDLen = 8

// Usage is the last observed utilization of a key, in percent (0-100).
type Usage struct {
	FiveHour        float64 `json:"five_hour"`
	SevenDay        float64 `json:"seven_day"`
	SevenDaySonnet  float64 `json:"seven_day_sonnet"`
	FiveHourResetAt *int64  `json:"five_hour_reset_at,omitempty"`
	SevenDayResetAt *int64  `json:"seven_day_reset_at,omitempty"`
	CheckedAt       int64   `json:"checked_at"`
}

// Max returns the highest of the three tracked windows.
func (u Usage) Max() float64 {
	m := u.FiveHour
	if u.SevenDay > m {
		m = u.SevenDay
	}
	if u.SevenDaySonnet > m {
		m = u.SevenDaySonnet
	}
	return m
}

// Exhausted reports whether any window reached threshold (percent).
func (u Usage) Exhausted(threshold float64) bool {
	return u.FiveHour >= threshold || u.SevenDay >= threshold || u.SevenDaySonnet >= threshold
}

// Credential is a bearer credential as seen by a source or returned by a refresh.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    *int64 `json:"expires_at,omitempty"`
	AccountUUID  string `json:"account_uuid,omitempty"`
	AccountEmail string `json:"account_email,omitempty"`
}

// KeyRecord is one tracked credential.
type KeyRecord struct {
	ID              string `json:"id"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	ExpiresAt       *int64 `json:"expires_at"`
	Status          Status `json:"status"`
	LastUsage       *Usage `json:"last_usage,omitempty"`
	LastHealthCheck int64  `json:"last_health_check,omitempty"`
	LastUsedAt      int64  `json:"last_used_at,omitempty"`
	AccountUUID     string `json:"account_uuid,omitempty"`
	AccountEmail    string `json:"account_email,omitempty"`
	AddedAt         int64  `json:"added_at"`
	Source          string `json:"source,omitempty"`
}

// ShortID returns the id prefix used as the snapshot key.
func (k *KeyRecord) ShortID() string {
	if len(k.ID) <= ShortIDLen {
		return k.ID
	}
	return k.ID[:ShortIDLen]
}

// TokenExpired reports whether the access token is past its expiry at now.
// Keys without an expiry never expire.
func (k *KeyRecord) TokenExpired(now time.Time) bool {
	return k.ExpiresAt != nil && *k.ExpiresAt <= now.UnixMilli()
}

// Credential returns the record's bearer credential.
func (k *KeyRecord) Credential() Credential {
	return Credential{
		AccessToken:  k.AccessToken,
		RefreshToken: k.RefreshToken,
		ExpiresAt:    k.ExpiresAt,
		AccountUUID:  k.AccountUUID,
		AccountEmail: k.AccountEmail,
	}
}

// DeriveID returns a stable identifier for a credential. The refresh token is
// preferred because it survives access-token refreshes.
func DeriveID(c Credential) string {
	seed := c.RefreshToken
	if seed == "" {
		seed = c.AccessToken
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// Ms converts t to epoch milliseconds.
func Ms(t time.Time) int64 {
	return t.UnixMilli()
}

// MsPtr returns a pointer to t in epoch milliseconds, or nil for the zero time.
func MsPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}
