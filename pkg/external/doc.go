// Package external holds the state shared by authorization modules that
// delegate the login to an outside identity provider: the binding between a
// provider identity and a local user, the provider tokens kept for an
// authentication and the one-shot sessions spanning the provider redirect.
package external
