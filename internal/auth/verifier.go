package auth

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Reason names one of the Token Verifier's failure modes (spec §4.A).
type Reason string

const (
	Malformed       Reason = "Malformed"
	BadSignature    Reason = "BadSignature"
	Expired         Reason = "Expired"
	IssuerMismatch  Reason = "IssuerMismatch"
	AudienceMismatch Reason = "AudienceMismatch"
	KeyNotFound     Reason = "KeyNotFound"
)

// VerifyError reports why verify failed.
type VerifyError struct {
	Reason Reason
	err    error
}

func (e *VerifyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.err)
	}
	return string(e.Reason)
}

func (e *VerifyError) Unwrap() error { return e.err }

func fail(reason Reason, err error) *VerifyError { return &VerifyError{Reason: reason, err: err} }

// integrationRunnerAudience is the fixed service audience every deployment
// accepts in addition to the configured client id (spec §4.A).
const integrationRunnerAudience = "integration-runner"

// claims is the JWT payload shape the Token Verifier extracts from.
type claims struct {
	jwt.RegisteredClaims
	PreferredUsername string                     `json:"preferred_username,omitempty"`
	Name               string                     `json:"name,omitempty"`
	GivenName          string                     `json:"given_name,omitempty"`
	Email              string                     `json:"email,omitempty"`
	RealmAccess        realmAccess                `json:"realm_access,omitempty"`
	ResourceAccess     map[string]resourceAccess  `json:"resource_access,omitempty"`
	Groups             []string                   `json:"groups,omitempty"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

type resourceAccess struct {
	Roles []string `json:"roles"`
}

var departmentGroupPattern = regexp.MustCompile(`^/(.+)-Department$`)

// defaultAlgorithms is used when a deployment's config does not name an
// explicit accepted-algorithm set.
var defaultAlgorithms = []string{"RS256"}

// Verifier validates compact signed tokens against a rotating public-key
// set (spec §4.A).
type Verifier struct {
	keySet            *KeySet
	issuer            string
	acceptedIssuers   map[string]struct{}
	clientID          string
	algorithms        []string
	onMissingClaim    func(field string)
}

// NewVerifier builds a Verifier. additionalIssuers are merged with issuer
// and their port-normalised variants into the accepted-issuer set, per
// spec §4.A's "split-horizon" handling. algorithms is the accepted JWT
// signing algorithm set (cfg.Auth.Algorithms); an empty slice falls back
// to RS256 only.
func NewVerifier(keySet *KeySet, issuer, clientID string, additionalIssuers, algorithms []string) *Verifier {
	accepted := map[string]struct{}{}
	addIssuerVariants(accepted, issuer)
	for _, extra := range additionalIssuers {
		addIssuerVariants(accepted, extra)
	}
	if len(algorithms) == 0 {
		algorithms = defaultAlgorithms
	}
	return &Verifier{
		keySet:          keySet,
		issuer:          issuer,
		acceptedIssuers: accepted,
		clientID:        clientID,
		algorithms:      algorithms,
	}
}

// OnMissingClaim registers an observer invoked (non-fatally) when
// preferredUsername or email is absent, per spec §4.A.
func (v *Verifier) OnMissingClaim(fn func(field string)) { v.onMissingClaim = fn }

func addIssuerVariants(set map[string]struct{}, issuer string) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return
	}
	set[issuer] = struct{}{}
	set[normalizePort(issuer)] = struct{}{}
}

// normalizePort strips a trailing default port (:80 for http, :443 for
// https) from an issuer URL's host component, so "https://idp:443/realm"
// and "https://idp/realm" are treated as equivalent (spec §4.A).
func normalizePort(issuer string) string {
	const httpPrefix, httpsPrefix = "http://", "https://"
	var scheme, rest string
	switch {
	case strings.HasPrefix(issuer, httpsPrefix):
		scheme, rest = httpsPrefix, issuer[len(httpsPrefix):]
	case strings.HasPrefix(issuer, httpPrefix):
		scheme, rest = httpPrefix, issuer[len(httpPrefix):]
	default:
		return issuer
	}

	slash := strings.IndexByte(rest, '/')
	host, path := rest, ""
	if slash >= 0 {
		host, path = rest[:slash], rest[slash:]
	}

	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return issuer
	}
	if (scheme == httpsPrefix && port == "443") || (scheme == httpPrefix && port == "80") {
		return scheme + h + path
	}
	return issuer
}

// Verify parses and validates a compact token, returning the CallerContext
// extracted from its claims, or a *VerifyError describing why it failed.
func (v *Verifier) Verify(token string) (CallerContext, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, v.keyfunc, jwt.WithValidMethods(v.algorithms))
	if err != nil {
		return CallerContext{}, classifyParseError(err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return CallerContext{}, fail(Malformed, fmt.Errorf("unexpected claims type"))
	}

	if err := v.validateIssuer(c); err != nil {
		return CallerContext{}, err
	}
	if err := v.validateAudience(c); err != nil {
		return CallerContext{}, err
	}

	return v.extractCaller(c), nil
}

func (v *Verifier) keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fail(KeyNotFound, fmt.Errorf("token has no kid header"))
	}
	key, ok := v.keySet.Lookup(kid)
	if !ok {
		return nil, fail(KeyNotFound, fmt.Errorf("no key for kid %q", kid))
	}
	return key, nil
}

// classifyParseError maps a jwt.ParseWithClaims error to a Reason. The
// jwt/v5 parser wraps the keyfunc's error (and its own sentinels) via a
// joined error (Unwrap() []error), so this uses errors.As/errors.Is
// rather than walking a single-Unwrap() chain by hand — the latter
// silently misses anything behind a joined wrap.
func classifyParseError(err error) *VerifyError {
	var ve *VerifyError
	switch {
	case errors.As(err, &ve) && ve.Reason == KeyNotFound:
		return fail(KeyNotFound, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fail(Expired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fail(BadSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fail(Malformed, err)
	default:
		return fail(Malformed, err)
	}
}

// validateIssuer runs after signature validation, using the normalised
// accepted-issuer set (spec §4.A).
func (v *Verifier) validateIssuer(c *claims) error {
	iss := c.Issuer
	if _, ok := v.acceptedIssuers[iss]; ok {
		return nil
	}
	if _, ok := v.acceptedIssuers[normalizePort(iss)]; ok {
		return nil
	}
	return fail(IssuerMismatch, fmt.Errorf("issuer %q not accepted", iss))
}

// validateAudience asserts the audience contains the configured client id
// or the fixed integration-runner audience. Per spec §9's Open Question,
// the broad "account" audience some tokens carry is deliberately excluded.
func (v *Verifier) validateAudience(c *claims) error {
	for _, aud := range c.Audience {
		if aud == v.clientID || aud == integrationRunnerAudience {
			return nil
		}
	}
	return fail(AudienceMismatch, fmt.Errorf("audience %v does not include %q or %q", c.Audience, v.clientID, integrationRunnerAudience))
}

func (v *Verifier) extractCaller(c *claims) CallerContext {
	username := firstNonEmpty(
		c.PreferredUsername,
		c.Name,
		c.GivenName,
		"user-"+first8(c.Subject),
		"unknown",
	)
	if c.PreferredUsername == "" && v.onMissingClaim != nil {
		v.onMissingClaim("preferredUsername")
	}
	if c.Email == "" && v.onMissingClaim != nil {
		v.onMissingClaim("email")
	}

	roles := dedupe(append(append([]string{}, c.RealmAccess.Roles...), clientRoles(c, v.clientID)...))

	return CallerContext{
		UserID:         c.Subject,
		TokenID:        c.ID,
		Username:       username,
		Email:          c.Email,
		Roles:          roles,
		Groups:         c.Groups,
		DepartmentCode: departmentCode(c.Groups),
	}
}

func clientRoles(c *claims, clientID string) []string {
	access, ok := c.ResourceAccess[clientID]
	if !ok {
		return nil
	}
	return access.Roles
}

func departmentCode(groups []string) string {
	for _, g := range groups {
		if m := departmentGroupPattern.FindStringSubmatch(g); m != nil {
			return m[1]
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func first8(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
