package federation

import (
	"fmt"
	"strings"

	"github.com/dtroode/notesfed/internal/model"
)

// Handle is a federated user address of the form @user:domain[:port].
type Handle struct {
	User   string
	Domain string
}

// ParseHandle parses a federated handle. Handles without a domain
// resolve against defaultDomain.
func ParseHandle(s, defaultDomain string) (Handle, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(s), "@")

	user, domain, found := strings.Cut(clean, ":")
	if !found {
		domain = defaultDomain
	}
	if user == "" || domain == "" || strings.ContainsAny(user, "/?#@ ") || strings.ContainsAny(domain, "/?#@ ") {
		return Handle{}, fmt.Errorf("%w: %q", model.ErrInvalidHandle, s)
	}

	return Handle{User: user, Domain: domain}, nil
}

// String returns the canonical @user:domain form.
func (h Handle) String() string {
	return "@" + h.User + ":" + h.Domain
}
