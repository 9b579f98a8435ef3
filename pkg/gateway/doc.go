// Package gateway stores payment provider credentials.
//
// Every secret field is sealed with pkg/secrets before it reaches a Store,
// using the provider name as the sealing scope. Admin-facing reads return
// Masked views that carry presence flags and short previews only; decrypted
// values leave the package solely through Service.Credentials, which the
// provider adapters call on every request so rotations apply without a
// redeploy.
package gateway
