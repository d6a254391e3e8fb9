package license

import (
	"context"
	"strings"
)

// Principal is the identity supplied by the session collaborator. Only the
// email is used, and only to decide exemption.
type Principal struct {
	Email string `json:"email"`
}

// Domain returns the lowercased part of the email after the last '@'.
func (p Principal) Domain() string {
	at := strings.LastIndex(p.Email, "@")
	if at < 0 || at == len(p.Email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(p.Email[at+1:]))
}

// ExemptionPolicy decides which principals bypass license checks, for
// example the vendor's own staff domain.
type ExemptionPolicy struct {
	domains map[string]struct{}
	emails  map[string]struct{}
}

// NewExemptionPolicy builds a policy from staff domains and individual
// email addresses. Matching is case-insensitive; a leading '@' on a domain
// is ignored.
func NewExemptionPolicy(domains, emails []string) ExemptionPolicy {
	p := ExemptionPolicy{
		domains: make(map[string]struct{}, len(domains)),
		emails:  make(map[string]struct{}, len(emails)),
	}
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")
		if d != "" {
			p.domains[d] = struct{}{}
		}
	}
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			p.emails[e] = struct{}{}
		}
	}
	return p
}

// IsExempt reports whether p bypasses all license checks.
func (ep ExemptionPolicy) IsExempt(p Principal) bool {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return false
	}
	if _, ok := ep.emails[email]; ok {
		return true
	}
	_, ok := ep.domains[p.Domain()]
	return ok
}

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.Index(email, "@")
	if at == -1 {
		return "****"
	}
	user, domain := email[:at], email[at:]
	if len(user) <= 2 {
		return "**" + domain
	}
	return user[:1] + "****" + user[len(user)-1:] + domain
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
