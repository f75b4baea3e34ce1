package idman

import "github.com/gofiber/fiber/v2"

// MiddlewareConfig configures RequireIdentity. Verifier and ServiceID are
// required; everything else has a default.
type MiddlewareConfig struct {
	// Verifier resolves bearer tokens to identities. Use NewLocalVerifier on
	// the issuer itself and NewRemoteVerifier in relying services.
	Verifier TokenVerifier

	// ServiceID is the audience the tokens must be scoped to.
	ServiceID string

	// ContextKey is the fiber Locals key the Identity is stored under.
	// Defaults to "identity".
	ContextKey string

	// Filter skips the middleware for requests it returns true for.
	Filter func(c *fiber.Ctx) bool

	// ErrorHandler overrides the default 401 JSON response.
	ErrorHandler func(c *fiber.Ctx, err error) error
}

// RequireIdentity guards routes behind token verification. On success the
// resolved Identity is stored in the request Locals and in the user context,
// where IdentityFromContext can find it.
func RequireIdentity(config MiddlewareConfig) fiber.Handler {
	if config.ContextKey == "" {
		config.ContextKey = "identity"
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = func(c *fiber.Ctx, _ error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid_token",
			})
		}
	}

	return func(c *fiber.Ctx) error {
		if config.Filter != nil && config.Filter(c) {
			return c.Next()
		}

		token, ok := bearerToken(c)
		if !ok {
			return config.ErrorHandler(c, ErrTokenInvalid)
		}

		identity, err := config.Verifier.Validate(c.UserContext(), config.ServiceID, token)
		if err != nil {
			return config.ErrorHandler(c, err)
		}

		c.Locals(config.ContextKey, identity)
		c.SetUserContext(WithIdentity(c.UserContext(), identity))

		return c.Next()
	}
}

// IdentityFromLocals retrieves the Identity stored by RequireIdentity under
// the default context key.
func IdentityFromLocals(c *fiber.Ctx) (*Identity, bool) {
	identity, ok := c.Locals("identity").(*Identity)
	return identity, ok
}
