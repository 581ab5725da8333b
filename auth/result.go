package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge describes an HTTP challenge (status + WWW-Authenticate header).
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// NewAuthenticationRequired builds a challenge indicating credentials are required.
func NewAuthenticationRequired(realm string) *Challenge {
	return &Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s"`, quote(realm)),
	}
}

// NewInvalidTokenChallenge builds a challenge indicating the token is invalid.
func NewInvalidTokenChallenge(realm string, description string) *Challenge {
	return &Challenge{
		Status: http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="invalid_token", error_description="%s"`,
			quote(realm), quote(description)),
	}
}

// NewInsufficientScopeChallenge builds a challenge indicating missing required scope.
func NewInsufficientScopeChallenge(realm string, scope string) *Challenge {
	v := fmt.Sprintf(`Bearer realm="%s", error="insufficient_scope"`, quote(realm))
	if scope != "" {
		v += fmt.Sprintf(`, scope="%s"`, quote(scope))
	}
	return &Challenge{Status: http.StatusForbidden, WWWAuthenticate: v}
}

// ChallengeFor maps an error returned by an Authenticator to the challenge
// a transport should send. scope lists the scopes the resource requires.
func ChallengeFor(realm string, scope string, err error) *Challenge {
	if errors.Is(err, ErrInsufficientScope) {
		return NewInsufficientScopeChallenge(realm, scope)
	}
	return NewInvalidTokenChallenge(realm, "The access token is invalid or expired")
}

func quote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
