package server

import (
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/voiceplanner/internal/runtime"
)

// guard returns the middleware chain for a route: JWT plus scopes when a secret is set, nothing otherwise.
func guard(secret []byte, scopes ...string) []echo.MiddlewareFunc {
	if len(secret) == 0 {
		return nil
	}
	return []echo.MiddlewareFunc{runtime.EchoAuthMiddleware(secret), runtime.RequireScopes(scopes...)}
}

func subject(c echo.Context) string {
	if sub, ok := runtime.SubjectFromContext(c.Request().Context()); ok {
		return sub
	}
	return "anonymous"
}
