package registry

// platformRegions maps a tenant's configured region onto the node
// regions that serve it
var platformRegions = map[string][]string{
	"us-east-1":      {"iad", "us-east-1"},
	"us-west-1":      {"sjc", "us-west-1"},
	"eu-west-2":      {"lhr", "eu-west-2"},
	"eu-central-1":   {"fra", "eu-central-1"},
	"ap-southeast-1": {"sin", "ap-southeast-1"},
	"ap-southeast-2": {"syd", "ap-southeast-2"},
	"sa-east-1":      {"gru", "sa-east-1"},
}

// RegionMatches reports whether a node region belongs to the platform
// region derived from the tenant's configured region
func RegionMatches(tenantRegion, nodeRegion string) bool {
	regions, ok := platformRegions[tenantRegion]
	if !ok {
		return tenantRegion == nodeRegion
	}
	for _, r := range regions {
		if r == nodeRegion {
			return true
		}
	}
	return false
}

// Resolve picks the surviving claim between two claimants of the same
// name. Pure so every raft replica resolves identically:
//  1. derive the platform region from the registered region metadata
//  2. keep the claimant whose node resides in that region
//  3. none or both matching falls back to the earlier timestamp
func Resolve(a, b Claim) Claim {
	platform := a.Meta.Region
	if platform == "" {
		platform = b.Meta.Region
	}

	aMatch := RegionMatches(platform, a.Region)
	bMatch := RegionMatches(platform, b.Region)

	if aMatch != bMatch {
		if aMatch {
			return a
		}
		return b
	}

	if b.At.Before(a.At) {
		return b
	}
	return a
}
