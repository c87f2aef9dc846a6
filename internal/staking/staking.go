// Package staking models the read-only staking view the consensus and
// mempool engines consult: validator stakes, the bonded set, and the
// voting-power helpers the BFT threshold (> 2f) is computed from.
package staking

import (
	"sort"

	"github.com/rechain/bftcore/internal/model"
)

// View is a snapshot of validator stakes and bonding status. It has no lock:
// consensus.New copies the View it is given once, at construction, and each
// engine then applies committed bonding actions to its own copy. The copy
// is not refreshed from mempool's View on later commits.
type View struct {
	stakes  map[model.ValidatorPublicKey]uint64
	bonded  map[model.ValidatorPublicKey]bool
	order   []model.ValidatorPublicKey // insertion order, used for deterministic round-robin
	minStake uint64
}

// NewView builds an empty staking view with the given bonding threshold.
func NewView(minStake uint64) *View {
	return &View{
		stakes: make(map[model.ValidatorPublicKey]uint64),
		bonded: make(map[model.ValidatorPublicKey]bool),
		minStake: minStake,
	}
}

// Clone returns a deep copy, used when consensus takes its own snapshot of
// the staking view instead of sharing mempool's.
func (v *View) Clone() *View {
	out := NewView(v.minStake)
	for k, val := range v.stakes {
		out.stakes[k] = val
	}
	for k, val := range v.bonded {
		out.bonded[k] = val
	}
	out.order = append(out.order, v.order...)
	return out
}

// SetStake records a validator's stake, registering it if new.
func (v *View) SetStake(validator model.ValidatorPublicKey, stake uint64) {
	if _, ok := v.stakes[validator]; !ok {
		v.order = append(v.order, validator)
	}
	v.stakes[validator] = stake
}

// Bond marks a validator as bonded, provided it meets the minimum stake.
// Returns false if the candidate's stake is below threshold.
func (v *View) Bond(validator model.ValidatorPublicKey) bool {
	if v.stakes[validator] < v.minStake {
		return false
	}
	v.bonded[validator] = true
	return true
}

// IsBonded reports whether validator is part of the active bonded set.
func (v *View) IsBonded(validator model.ValidatorPublicKey) bool {
	return v.bonded[validator]
}

// Stake returns a validator's recorded stake (0 if unknown).
func (v *View) Stake(validator model.ValidatorPublicKey) uint64 {
	return v.stakes[validator]
}

// BondedSet returns the bonded validators in deterministic order.
func (v *View) BondedSet() []model.ValidatorPublicKey {
	out := make([]model.ValidatorPublicKey, 0, len(v.bonded))
	for _, val := range v.order {
		if v.bonded[val] {
			out = append(out, val)
		}
	}
	return out
}

// TotalBond returns the sum of stake across the bonded set.
func (v *View) TotalBond() uint64 {
	var total uint64
	for _, val := range v.BondedSet() {
		total += v.stakes[val]
	}
	return total
}

// ComputeF returns f, the maximum tolerated Byzantine voting power, defined
// as floor((total_bond - 1) / 3) so that more-than-2f always requires a
// genuine supermajority of the bonded set.
func (v *View) ComputeF() uint64 {
	total := v.TotalBond()
	if total == 0 {
		return 0
	}
	return (total - 1) / 3
}

// ComputeVotingPower sums the stake of a set of validators, counting each
// validator at most once and ignoring unbonded or unknown entries.
func (v *View) ComputeVotingPower(set []model.ValidatorPublicKey) uint64 {
	seen := make(map[model.ValidatorPublicKey]bool, len(set))
	var total uint64
	for _, val := range set {
		if seen[val] || !v.bonded[val] {
			continue
		}
		seen[val] = true
		total += v.stakes[val]
	}
	return total
}

// CrossesThreshold reports whether the voting power of set exceeds 2f,
// i.e. a quorum for this staking view.
func (v *View) CrossesThreshold(set []model.ValidatorPublicKey) bool {
	return v.ComputeVotingPower(set) > 2*v.ComputeF()
}

// CandidatesForBonding returns bonded-eligible validators (stake >= minStake)
// that are not yet bonded, in deterministic order.
func (v *View) CandidatesForBonding() []model.ValidatorPublicKey {
	var out []model.ValidatorPublicKey
	for _, val := range v.order {
		if !v.bonded[val] && v.stakes[val] >= v.minStake {
			out = append(out, val)
		}
	}
	return out
}

// Leader returns the deterministic leader for (slot, view): a round-robin
// over the bonded set ordered by stake descending (ties broken by public
// key), indexed by (slot+view) mod len(bondedSet).
func (v *View) Leader(slot, view uint64) (model.ValidatorPublicKey, bool) {
	set := v.BondedSet()
	if len(set) == 0 {
		return model.ValidatorPublicKey{}, false
	}
	sort.Slice(set, func(i, j int) bool {
		si, sj := v.stakes[set[i]], v.stakes[set[j]]
		if si != sj {
			return si > sj
		}
		return set[i].Less(set[j])
	})
	idx := (slot + view) % uint64(len(set))
	return set[idx], true
}

// ApplyBonding bonds each candidate in candidates, in order, ignoring any
// whose stake has since dropped below threshold.
func (v *View) ApplyBonding(candidates []model.ValidatorPublicKey) {
	for _, c := range candidates {
		v.Bond(c)
	}
}
