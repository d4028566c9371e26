package auth

import "github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"

// claimsValidator is satisfied by both *Validator and *MockValidator;
// it is the shape every concrete token validator in this package has.
type claimsValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Adapter bridges a claimsValidator onto types.TokenValidator, the
// narrower interface the connection-acceptance path depends on so it
// never has to import this package's concrete claim type.
type Adapter struct {
	validator claimsValidator
}

// NewAdapter wraps v for use wherever a types.TokenValidator is needed.
func NewAdapter(v claimsValidator) *Adapter {
	return &Adapter{validator: v}
}

// ValidateToken satisfies types.TokenValidator.
func (a *Adapter) ValidateToken(tokenString string) (*types.ValidatedClaims, error) {
	claims, err := a.validator.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &types.ValidatedClaims{
		Subject: claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Scope:   claims.Scope,
	}, nil
}

var _ types.TokenValidator = (*Adapter)(nil)
