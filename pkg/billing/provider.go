package billing

// Provider names a payment provider. The manual pseudo-provider covers
// admin-issued subscriptions and offline payments.
type Provider string

const (
	ProviderManual Provider = "manual"
	ProviderCard   Provider = "card"
	ProviderWallet Provider = "wallet"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderManual, ProviderCard, ProviderWallet:
		return true
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}
