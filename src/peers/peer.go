package peers

// Validator is a member of the consensus network as seen by the dissemination
// layer: an id that keys stake and reliability, the address where it accepts
// shard and direct units, and the network zone it declares. Zones feed the
// diversification constraint of relay selection. Stake is only read when a
// validator set is used as a genesis stake distribution.
type Validator struct {
	ID      string `json:"id"`
	NetAddr string `json:"net_addr"`
	Zone    string `json:"zone,omitempty"`
	Stake   uint64 `json:"stake,omitempty"`
	Moniker string `json:"moniker,omitempty"`
}

// NewValidator ...
func NewValidator(id, netAddr, zone string, stake uint64) *Validator {
	return &Validator{
		ID:      id,
		NetAddr: netAddr,
		Zone:    zone,
		Stake:   stake,
	}
}

// ExcludeValidators returns the validators whose id is not in the excluded
// list, preserving order.
func ExcludeValidators(validators []*Validator, excluded ...string) []*Validator {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	others := make([]*Validator, 0, len(validators))
	for _, v := range validators {
		if _, ok := skip[v.ID]; !ok {
			others = append(others, v)
		}
	}
	return others
}
