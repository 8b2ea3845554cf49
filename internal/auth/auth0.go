package auth

import "os"

// Auth0Config holds Auth0 configuration
type Auth0Config struct {
	Domain   string
	Audience string
	ClientID string
}

// GetAuth0Config returns Auth0 configuration from environment
func GetAuth0Config() *Auth0Config {
	return &Auth0Config{
		Domain:   os.Getenv("AUTH0_DOMAIN"),
		Audience: os.Getenv("AUTH0_AUDIENCE"),
		ClientID: os.Getenv("AUTH0_CLIENT_ID"),
	}
}
