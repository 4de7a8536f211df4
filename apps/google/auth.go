package google

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

const credentialsFile = "credentials.json"

// OAuthConfig builds the oauth2 config for Gmail access. GOOGLE_CLIENT_ID
// and GOOGLE_CLIENT_SECRET take precedence; credentials.json is the
// fallback for local setups that downloaded it from the cloud console.
func OAuthConfig() (*oauth2.Config, error) {
	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     googleoauth.Endpoint,
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
			Scopes: []string{
				gmail.GmailReadonlyScope,
				"https://www.googleapis.com/auth/userinfo.email",
			},
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %v", err)
	}
	config, err := googleoauth.ConfigFromJSON(b,
		gmail.GmailReadonlyScope,
		"https://www.googleapis.com/auth/userinfo.email")
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %v", err)
	}
	return config, nil
}

// RefreshAccessToken exchanges a refresh token for a fresh access token.
// Google occasionally rotates the refresh token; the returned token carries
// the new one when that happens, so callers must compare and persist it.
func RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	config, err := OAuthConfig()
	if err != nil {
		return nil, err
	}

	source := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("error refreshing access token: %v", err)
	}
	return token, nil
}
