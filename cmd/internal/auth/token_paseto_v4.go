package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Claims is the identity envelope carried by an access token.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// PasetoVerifier verifies PASETO v4.public access tokens and, when a secret key is
// configured, issues them.
type PasetoVerifier struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	public   paseto.V4AsymmetricPublicKey
	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
}

// NewPasetoVerifier builds a verifier from cfg. At least one key must be set.
func NewPasetoVerifier(cfg Config) (*PasetoVerifier, error) {
	v := &PasetoVerifier{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}
	if strings.TrimSpace(v.issuer) == "" || v.ttl <= 0 || v.clockSkew < 0 {
		return nil, ErrConfig
	}

	if hex := strings.TrimSpace(cfg.PasetoV4SecretKeyHex); hex != "" {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(hex)
		if err != nil {
			return nil, ErrConfig
		}
		v.secret = secret
		v.public = secret.Public()
		v.canIssue = true
	}

	if hex := strings.TrimSpace(cfg.PasetoV4PublicKeyHex); hex != "" {
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(hex)
		if err != nil {
			return nil, ErrConfig
		}
		if v.canIssue && public.ExportHex() != v.public.ExportHex() {
			return nil, ErrConfig
		}
		v.public = public
	} else if !v.canIssue {
		return nil, ErrConfig
	}

	return v, nil
}

// PublicKeyHex returns the verification key.
func (v *PasetoVerifier) PublicKeyHex() string {
	return v.public.ExportHex()
}

// Issue signs an access token for userID. It fails with ErrConfig without a secret key.
func (v *PasetoVerifier) Issue(userID string, now time.Time) (string, time.Time, error) {
	if !v.canIssue {
		return "", time.Time{}, ErrConfig
	}
	exp := now.Add(v.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(v.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetSubject(userID)

	return tok.V4Sign(v.secret, nil), exp, nil
}

// Verify parses and validates token, returning its claims.
func (v *PasetoVerifier) Verify(token string, now time.Time) (Claims, error) {
	// Validate slightly in the future to tolerate "nbf" across skewed clocks.
	validNow := now.Add(v.clockSkew)

	// Fresh parser per call so rules do not accumulate.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Claims{}, ErrInvalidToken
	}
	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{UserID: sub, ExpiresAt: exp, IssuedAt: iat, Issuer: iss}, nil
}

// VerifyAccessToken returns the user id bound to token.
func (v *PasetoVerifier) VerifyAccessToken(token string, now time.Time) (string, error) {
	c, err := v.Verify(token, now)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}
