// Package jose wraps the JOSE operations the authorization server performs:
// maintaining the server keychain, signing tokens with an explicit typ
// header, and verifying inbound compact serializations against a key set
// while enforcing the expected typ.
package jose
