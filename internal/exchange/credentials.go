package exchange

import (
	"net/http"
	"strconv"
	"time"
)

// Header names attached to every upstream request.
const (
	HeaderAccessKey       = "CB-ACCESS-KEY"
	HeaderAccessTimestamp = "CB-ACCESS-TIMESTAMP"
)

// CredentialProvider attaches opaque authentication headers to a request.
// Request signing is outside the scope of this package.
type CredentialProvider interface {
	Apply(req *http.Request) error
}

// StaticCredentials sends a fixed key id and the current unix time.
type StaticCredentials struct {
	KeyID string

	// Now overrides the clock for tests
	Now func() time.Time
}

// NewStaticCredentials returns a provider for keyID. An empty key id yields
// a provider that attaches no credential headers.
func NewStaticCredentials(keyID string) *StaticCredentials {
	return &StaticCredentials{KeyID: keyID, Now: time.Now}
}

// Apply implements CredentialProvider.
func (s *StaticCredentials) Apply(req *http.Request) error {
	if s == nil || s.KeyID == "" {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	req.Header.Set(HeaderAccessKey, s.KeyID)
	req.Header.Set(HeaderAccessTimestamp, strconv.FormatInt(now().Unix(), 10))
	return nil
}

var _ CredentialProvider = (*StaticCredentials)(nil)
