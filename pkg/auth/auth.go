package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

const (
	userNameKey = "userNameKey"
	XUserName   = "X-User-Name"
)

var ErrUserName = errors.New("username is empty")

// MiddlewareUserName requires the caller identity forwarded by the gateway.
func MiddlewareUserName(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userName := c.Request().Header.Get(XUserName)
		if userName == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, ErrUserName.Error())
		}
		c.Set(userNameKey, userName)
		return next(c)
	}
}

type Getter interface {
	Get(string) any
}

func GetUserName(getter Getter) (string, error) {
	userName, ok := getter.Get(userNameKey).(string)
	if !ok || userName == "" {
		return "", ErrUserName
	}
	return userName, nil
}
