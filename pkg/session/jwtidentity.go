package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// OperatorClaims is the JWT shape an operator identity token must carry
// to bind a session (spec.md §4.K domain stack): standard registered
// claims plus the operator role and auth context this module's Identity
// already models.
type OperatorClaims struct {
	jwt.RegisteredClaims
	OperatorRole OperatorRole `json:"operator_role"`
	AuthContext  string       `json:"auth_context,omitempty"`
}

// ParseOperatorToken validates tokenString against secret using HS256,
// mirroring the teacher's TokenManager.ValidateToken shape
// (ParseWithClaims against a fixed claims type) but with a single shared
// HMAC secret in place of the teacher's RSA KeySet/kid lookup, since this
// module has no multi-tenant key rotation surface to justify one.
func ParseOperatorToken(tokenString string, secret []byte) (*Identity, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidValue, "operator identity token failed validation", err)
	}
	if !token.Valid {
		return nil, errs.New(errs.CodeInvalidValue, "operator identity token is not valid")
	}
	if claims.Subject == "" {
		return nil, errs.New(errs.CodeInvalidValue, "operator identity token missing subject")
	}
	switch claims.OperatorRole {
	case OperatorOwner, OperatorReviewer, OperatorAuditor:
	default:
		return nil, errs.New(errs.CodeInvalidValue, fmt.Sprintf("operator identity token has unrecognized role %q", claims.OperatorRole))
	}

	return &Identity{
		OperatorID:   claims.Subject,
		OperatorRole: claims.OperatorRole,
		AuthContext:  claims.AuthContext,
	}, nil
}

// NewOperatorToken is a test/bootstrap helper that signs an operator
// identity token, the inverse of ParseOperatorToken.
func NewOperatorToken(id Identity, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.OperatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "gatekernel/session",
		},
		OperatorRole: id.OperatorRole,
		AuthContext:  id.AuthContext,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// BindIdentityFromToken parses tokenString and binds the resulting
// Identity exactly once, per BindIdentity's existing one-shot contract.
func (s *State) BindIdentityFromToken(tokenString string, secret []byte) error {
	id, err := ParseOperatorToken(tokenString, secret)
	if err != nil {
		return err
	}
	return s.BindIdentity(*id)
}
