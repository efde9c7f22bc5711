// Package authorization signs users in.
//
// Authorization modules are classes of the module registry that hang off
// the authorizations entry point of the core module. The Pipeline asks the
// enabled ones in install order: CredentialAuthorizer modules check
// passwords on /login/, APIAuthorizer and UIAuthorizer modules recognize
// requests that carry no token, and ExternalAuthorizer modules delegate
// the login to an outside provider through a one-shot external session.
//
// A successful login issues a bearer token. Clients send it back as
//
//	Authorization: Token <token>
//
// Only an HMAC of the token is stored; TokenStore resolves it to its user
// and rejects unknown, expired and malformed tokens and locked users with
// the same authentication_failed error.
package authorization
