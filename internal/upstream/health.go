package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
)

// UsagePath is the usage endpoint relative to BaseURL.
const UsagePath = "/api/oauth/usage"

// ErrTagBadResponse marks a 2xx usage response that could not be decoded.
const ErrTagBadResponse = "bad_response"

// HealthResult is the outcome of one usage probe. Valid=false always
// carries an Error tag: "unauthorized", "network", "http_<code>", or
// "bad_response".
type HealthResult struct {
	Valid bool            `json:"valid"`
	Usage *keystore.Usage `json:"usage,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Observation converts the result for keystore.RotationState.RecordHealth.
func (r HealthResult) Observation() keystore.HealthObservation {
	return keystore.HealthObservation{Valid: r.Valid, Usage: r.Usage, Error: r.Error}
}

type usageWindow struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at"`
}

type usageResponse struct {
	FiveHour       *usageWindow `json:"five_hour"`
	SevenDay       *usageWindow `json:"seven_day"`
	SevenDaySonnet *usageWindow `json:"seven_day_sonnet"`
}

// CheckKeyHealth queries the usage endpoint with accessToken.
func (c *Client) CheckKeyHealth(ctx context.Context, accessToken string) HealthResult {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, UsagePath, accessToken)
	if err != nil {
		return HealthResult{Error: keystore.ErrTagNetwork}
	}

	var body usageResponse
	if err := c.do(ctx, req, &body); err != nil {
		tag := classify(err)
		c.log().Debug("usage probe failed", "error", err, "tag", tag)
		return HealthResult{Error: tag}
	}
	if body.FiveHour == nil && body.SevenDay == nil {
		return HealthResult{Error: ErrTagBadResponse}
	}

	u := &keystore.Usage{CheckedAt: c.now().UnixMilli()}
	if w := body.FiveHour; w != nil {
		u.FiveHour = w.Utilization
		u.FiveHourResetAt = resetMs(w.ResetsAt)
	}
	if w := body.SevenDay; w != nil {
		u.SevenDay = w.Utilization
		u.SevenDayResetAt = resetMs(w.ResetsAt)
	}
	if w := body.SevenDaySonnet; w != nil {
		u.SevenDaySonnet = w.Utilization
	}
	return HealthResult{Valid: true, Usage: u}
}

func resetMs(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	return keystore.MsPtr(*t)
}

// classify maps a transport or HTTP failure to a health error tag.
func classify(err error) string {
	he, ok := asHTTPError(err)
	if !ok {
		if isDecodeError(err) {
			return ErrTagBadResponse
		}
		return keystore.ErrTagNetwork
	}
	switch he.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return keystore.ErrTagUnauthorized
	default:
		return fmt.Sprintf("http_%d", he.Status)
	}
}
