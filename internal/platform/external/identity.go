package external

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/caresync/visits/pkg/visitmodel"
)

// Identity is the authenticated caregiver.
type Identity struct {
	EmployeePsID      string                        `json:"employeePsId"`
	BranchIDs         []string                      `json:"branchIds"`
	JobLevel          string                        `json:"jobLevel"`
	SystemIdentifiers []visitmodel.SystemIdentifier `json:"systemIdentifiers"`
}

// HasBranch reports whether branchID is one of the identity's branches.
func (i *Identity) HasBranch(branchID string) bool {
	for _, b := range i.BranchIDs {
		if b == branchID {
			return true
		}
	}
	return false
}

// PrimaryBranch returns the first branch, or "" when there is none.
func (i *Identity) PrimaryBranch() string {
	if len(i.BranchIDs) == 0 {
		return ""
	}
	return i.BranchIDs[0]
}

type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (*Identity, error)
}

// HTTPIdentityResolver asks the identity service who a bearer token belongs to.
type HTTPIdentityResolver struct {
	client *resty.Client
}

func NewHTTPIdentityResolver(cfg HTTPConfig) *HTTPIdentityResolver {
	return &HTTPIdentityResolver{client: newClient(cfg)}
}

func (r *HTTPIdentityResolver) ResolveIdentity(ctx context.Context, token string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthenticated
	}
	var out Identity
	resp, err := r.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get("/v1/me/identity")
	if err := checkResponse("resolve identity", resp, err); err != nil {
		return nil, err
	}
	if out.EmployeePsID == "" {
		return nil, fmt.Errorf("resolve identity: %w: empty employee id", ErrUnauthenticated)
	}
	return &out, nil
}

// IdentityClaims carries a full Identity inside a signed token. Used in
// development and for QA shadow routes where no identity service exists.
type IdentityClaims struct {
	jwt.RegisteredClaims
	BranchIDs         []string                      `json:"branch_ids"`
	JobLevel          string                        `json:"job_level"`
	SystemIdentifiers []visitmodel.SystemIdentifier `json:"system_identifiers"`
}

// TokenIdentityResolver validates HS256 tokens signed with a shared key.
type TokenIdentityResolver struct {
	key []byte
}

func NewTokenIdentityResolver(key []byte) *TokenIdentityResolver {
	return &TokenIdentityResolver{key: key}
}

func (r *TokenIdentityResolver) ResolveIdentity(ctx context.Context, token string) (*Identity, error) {
	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return &Identity{
		EmployeePsID:      claims.Subject,
		BranchIDs:         claims.BranchIDs,
		JobLevel:          claims.JobLevel,
		SystemIdentifiers: claims.SystemIdentifiers,
	}, nil
}

// Issue signs a token for id that expires after ttl.
func (r *TokenIdentityResolver) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.EmployeePsID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		BranchIDs:         id.BranchIDs,
		JobLevel:          id.JobLevel,
		SystemIdentifiers: id.SystemIdentifiers,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.key)
}
