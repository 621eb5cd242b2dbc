package crypto

import (
	jose "github.com/go-jose/go-jose/v4"
)

// PublicJWKS builds the published key set. Keys whose PEM cannot be loaded
// and expired keys are left out.
func PublicJWKS(keys []*KeyPair) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, key := range keys {
		if key.IsExpired() {
			continue
		}
		if key.PublicKey == nil {
			if err := key.LoadFromPEM(); err != nil {
				continue
			}
		}
		set.Keys = append(set.Keys, key.JSONWebKey())
	}
	return set
}
