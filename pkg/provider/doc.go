// Package provider adapts remote payment providers to one contract.
//
// An Adapter opens remote checkouts, authenticates webhook deliveries and
// maps provider payloads to a small set of event kinds. Three adapters are
// included:
//
//   - Manual: admin-issued and offline payments; checkouts are approved
//     immediately and internal tooling posts HMAC-signed webhooks.
//   - Card: Paddle Billing through the official SDK.
//   - Wallet: a regional wallet REST API authenticated with OAuth2 client
//     credentials, with QR codes for mobile checkout.
//
// Adapters read credentials from a CredentialSource on every call, so a
// secret rotated through pkg/gateway applies to the next request.
package provider
