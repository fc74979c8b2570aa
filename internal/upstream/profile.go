package upstream

import (
	"context"
	"net/http"
)

// ProfilePath is the profile endpoint relative to BaseURL.
const ProfilePath = "/api/oauth/profile"

// Profile is the account identity behind a token.
type Profile struct {
	AccountUUID  string `json:"account_uuid"`
	AccountEmail string `json:"account_email"`
}

type profileResponse struct {
	Account struct {
		UUID         string `json:"uuid"`
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

// FetchProfile resolves the account identity used for cross-key dedupe.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, ProfilePath, accessToken)
	if err != nil {
		return Profile{}, err
	}
	var body profileResponse
	if err := c.do(ctx, req, &body); err != nil {
		return Profile{}, err
	}
	return Profile{AccountUUID: body.Account.UUID, AccountEmail: body.Account.EmailAddress}, nil
}
