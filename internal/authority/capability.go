package authority

import "strings"

// Ability is one rung of the permission hierarchy spec.md §6 defines:
// authorize > publish > push > fetch. A token granting a higher ability
// implicitly grants every ability below it on the same resource.
type Ability string

const (
	AbilityAuthorize Ability = "authorize"
	AbilityPublish   Ability = "publish"
	AbilityPush      Ability = "push"
	AbilityFetch     Ability = "fetch"
)

var abilityRank = map[Ability]int{
	AbilityAuthorize: 3,
	AbilityPublish:   2,
	AbilityPush:      1,
	AbilityFetch:     0,
}

// Capability is a (resource, ability) pair, e.g. ("sphere:<did>",
// "publish").
type Capability struct {
	Resource string `cbor:"with"`
	Ability  Ability `cbor:"can"`
}

// SphereResource builds the canonical resource identifier for a sphere,
// "sphere:<did>".
func SphereResource(sphere DID) string {
	return "sphere:" + string(sphere)
}

// Enables reports whether have subsumes want: have's resource must
// match or be a prefix-scope of want's, and have's ability must rank at
// or above want's in the hierarchy.
func Enables(have, want Capability) bool {
	if !resourceSubsumes(have.Resource, want.Resource) {
		return false
	}
	haveRank, ok := abilityRank[have.Ability]
	if !ok {
		return false
	}
	wantRank, ok := abilityRank[want.Ability]
	if !ok {
		return false
	}
	return haveRank >= wantRank
}

func resourceSubsumes(have, want string) bool {
	if have == want {
		return true
	}
	return strings.HasSuffix(have, "/*") && strings.HasPrefix(want, strings.TrimSuffix(have, "*"))
}
