package platform

import "strings"

// TokenSource supplies the bearer access token for backend calls. An empty
// token means no credentials are currently available; callers must not start
// a call without one.
type TokenSource interface {
	AccessToken() string
}

// StaticToken is a TokenSource for a fixed token, typically read from the
// environment at startup.
type StaticToken string

func (t StaticToken) AccessToken() string {
	return strings.TrimSpace(string(t))
}
