package net2auth

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// Session is the token pair issued by the Net2 token endpoint.  A Session is
// immutable once built; the Manager swaps the whole value on every grant.
type Session struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

func (s Session) validAt(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.Expiry)
}

// expiresWithin reports whether the access token lapses before now+buffer
func (s Session) expiresWithin(now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(s.Expiry)
}

func hashOf(s string) string {
	if s == "" {
		return ""
	}
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens when stringified
func (s Session) String() string {
	return fmt.Sprintf("accessToken [%s] refreshToken [%s] expiry [%s]",
		hashOf(s.AccessToken), hashOf(s.RefreshToken), s.Expiry.Format(time.RFC3339))
}
