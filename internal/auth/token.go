package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry はBearerトークンがJWTであればexpクレームを返す。
// 署名はバックエンドが検証するため、ここでは検証せずに読むだけにする。
// JWTでない場合やexpが無い場合はfalseを返す。
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
