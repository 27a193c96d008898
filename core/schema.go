package core

// schema.go - load-time schema validation. The shape is small enough
// that it is validated by hand rather than through a JSON-Schema library.

import "fmt"

// ValidateSchema checks that s has exactly the required top-level
// shape: blockchains present (possibly empty), originators present,
// queue containing at least initVectors and blockDepths, and crypto
// containing all five named buckets. A nil blockchains map is rejected;
// nil slices are treated as the empty case, matching Go's zero-value JSON
// unmarshalling.
func ValidateSchema(s *State) error {
	if s == nil {
		return StateFatal("ValidateSchema", fmt.Errorf("nil state"))
	}
	if s.Blockchains == nil {
		return StateFatal("ValidateSchema", fmt.Errorf("missing blockchains"))
	}
	// Queue and Crypto are plain structs (not maps), so their named fields
	// always exist once unmarshalled; the schema check that matters is
	// that each chain's parameters/accounts are present in a usable shape.
	for name, cs := range s.Blockchains {
		if cs == nil {
			return StateFatal("ValidateSchema", fmt.Errorf("blockchain %q has nil state", name))
		}
		if cs.Parameters == nil {
			cs.Parameters = make(map[string]any)
		}
	}
	for _, o := range s.Originators {
		if o == nil {
			return StateFatal("ValidateSchema", fmt.Errorf("nil originator entry"))
		}
		if !o.HasAddress() && !o.HasAuthToken() {
			return StateFatal("ValidateSchema", fmt.Errorf("originator %q has neither address nor authTokenId", o.Name))
		}
	}
	for _, rec := range allBuckets(&s.Crypto) {
		seen := make(map[string]struct{})
		for _, k := range rec.records {
			if k == nil {
				return StateFatal("ValidateSchema", fmt.Errorf("%s: nil key record", rec.name))
			}
			if _, dup := seen[k.ID]; dup {
				return StateFatal("ValidateSchema", fmt.Errorf("%s: duplicate key id %q", rec.name, k.ID))
			}
			seen[k.ID] = struct{}{}
		}
	}
	return nil
}
