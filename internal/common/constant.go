package common

const (
	// AuthorizationHeaderName carries "Bearer <token>" on API requests.
	AuthorizationHeaderName = "Authorization"

	// BearerPrefix precedes the raw token in the Authorization header.
	BearerPrefix = "Bearer "

	// DefaultGridType is used when a registration request does not name one.
	DefaultGridType = "DIRAC"
)
