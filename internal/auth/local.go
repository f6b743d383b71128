package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// LocalVerifier checks HS256 tokens minted by the platform API with the
// shared signing secret. These tokens carry the user context in custom
// claims, so audience and issuer are not enforced.
type LocalVerifier struct {
	secret []byte
	logger *zap.SugaredLogger
}

func NewLocalVerifier(secret string, logger *zap.SugaredLogger) *LocalVerifier {
	return &LocalVerifier{secret: []byte(secret), logger: logger}
}

// Verify validates the signature and expiry, then builds a principal
// from the claims. The platform has used several claim spellings over
// time, so each field falls back through the known variants.
func (v *LocalVerifier) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			v.logger.Warn("Internal token expired")
			return nil, ErrTokenExpired
		}
		v.logger.Warnw("Internal token validation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, subjectClaim := stringClaimSource(claims, "userId", "user_id", "sub")
	email, usernameClaim := stringClaimSource(claims, "email", "userEmail")
	name := stringClaim(claims, "name", "userName")
	if name == "" {
		name = email
	}
	isAdmin := boolClaim(claims, "isAdmin", "is_admin")

	groups := stringsClaim(claims["groups"])
	if isAdmin && !overlaps(groups, []string{"system-admins"}) {
		groups = append(groups, "system-admins")
	}

	v.logger.Debugw("Internal token validated", "user_id", userID)
	return &Principal{
		UserID:        userID,
		Name:          name,
		Email:         email,
		Groups:        groups,
		IsAdmin:       isAdmin,
		Method:        MethodInternalJWT,
		Token:         tokenString,
		SubjectClaim:  subjectClaim,
		UsernameClaim: usernameClaim,
		Claims:        claims,
	}, nil
}
