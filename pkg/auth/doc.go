// Package auth holds the credential primitives shared by the authorization
// modules: random bearer tokens and their keyed hashes, bcrypt passwords,
// and HS256 signed codes.
//
// Tokens are 20 symbols from [A-Za-z0-9]. Only HMAC-SHA256 hashes keyed by
// CORE_SECRET_KEY are stored:
//
//	gen := auth.NewTokenGenerator(cfg.Security.SigningKey)
//	token, hash, err := gen.GenerateToken()
//
// Activation codes used for password recovery are signed tokens carrying
// the user id and a random code whose hash lives on the user row:
//
//	issuer := auth.NewActivationIssuer(key, 72*time.Hour)
//	act, err := issuer.Issue(user.ID())
//	userID, code, err := issuer.Verify(act.Token)
package auth
