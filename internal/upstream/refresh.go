package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
)

// RefreshOutcome is the tri-state result of a token refresh.
type RefreshOutcome string

const (
	RefreshOK           RefreshOutcome = "refreshed"
	RefreshInvalidGrant RefreshOutcome = "invalid_grant"
	RefreshFailed       RefreshOutcome = "failed"
)

// ErrNoRefreshToken is reported when a record has nothing to refresh with.
var ErrNoRefreshToken = errors.New("key has no refresh token")

// RefreshResult carries new credentials when Outcome is RefreshOK.
type RefreshResult struct {
	Outcome     RefreshOutcome       `json:"outcome"`
	Credentials *keystore.Credential `json:"-"`
	Err         error                `json:"-"`
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RefreshExpiredToken exchanges rec's refresh token for new credentials.
// invalid_grant means the grant is revoked and the key must become invalid;
// failed means try again next cycle.
func (c *Client) RefreshExpiredToken(ctx context.Context, rec *keystore.KeyRecord) RefreshResult {
	if rec.RefreshToken == "" {
		return RefreshResult{Outcome: RefreshFailed, Err: ErrNoRefreshToken}
	}

	payload, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: rec.RefreshToken,
		ClientID:     c.cfg.ClientID,
	})
	if err != nil {
		return RefreshResult{Outcome: RefreshFailed, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return RefreshResult{Outcome: RefreshFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var tok tokenResponse
	if err := c.do(ctx, req, &tok); err != nil {
		if he, ok := asHTTPError(err); ok && he.Status >= 400 && he.Status < 500 {
			var oe oauthError
			if json.Unmarshal(he.Body, &oe) == nil && oe.Error == "invalid_grant" {
				c.log().Info("refresh token revoked", "key", rec.ShortID(), "description", oe.ErrorDescription)
				return RefreshResult{Outcome: RefreshInvalidGrant, Err: err}
			}
		}
		c.log().Warn("token refresh failed", "key", rec.ShortID(), "error", err)
		return RefreshResult{Outcome: RefreshFailed, Err: err}
	}
	if tok.AccessToken == "" {
		return RefreshResult{Outcome: RefreshFailed, Err: fmt.Errorf("token response missing access_token")}
	}

	cred := &keystore.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		AccountUUID:  rec.AccountUUID,
		AccountEmail: rec.AccountEmail,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = rec.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = keystore.MsPtr(c.now().Add(time.Duration(tok.ExpiresIn) * time.Second))
	}
	return RefreshResult{Outcome: RefreshOK, Credentials: cred}
}
