// Package auth provides bearer-token authentication for the loom API.
//
// # Tokens
//
// Operators authenticate with JWT tokens signed HS256 using the configured
// jwt_secret. The "sub" claim carries the operator ID:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("operator-1", 30*24*time.Hour)
//	operatorID, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// Middleware wraps API handlers and validates the Authorization header:
//
//	mux.Handle("/api/...", auth.Middleware(verifier)(handler))
//
// On success the operator ID is stored in the request context and available
// via OperatorFromContext. A nil verifier disables authentication entirely,
// which is the behavior when no jwt_secret is configured.
package auth
