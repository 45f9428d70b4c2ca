package visit

import (
	"strings"

	"github.com/caresync/visits/internal/platform/external"
	"github.com/caresync/visits/pkg/visitmodel"
)

// Override replaces the resolved identifiers with a single one. Used for
// support lookups on behalf of another employee.
type Override struct {
	EmpSystemID string
	TenantID    string
	SystemName  string
}

func (o *Override) set() bool {
	return o != nil && strings.TrimSpace(o.EmpSystemID) != "" && strings.TrimSpace(o.TenantID) != ""
}

// ResolveIdentifiers returns the identifiers in scope for this request. The
// baseline system is always included; the secondary system only when the
// branch is provisioned for it.
func ResolveIdentifiers(id *external.Identity, flags FeatureFlags, override *Override) []visitmodel.SystemIdentifier {
	if override.set() {
		name := override.SystemName
		if name == "" {
			name = visitmodel.SystemProcura
		}
		return []visitmodel.SystemIdentifier{{
			EmpSystemID: override.EmpSystemID,
			SystemName:  name,
			TenantID:    override.TenantID,
		}}
	}
	if id == nil {
		return nil
	}

	seen := make(map[visitmodel.SystemIdentifier]bool, len(id.SystemIdentifiers))
	out := make([]visitmodel.SystemIdentifier, 0, len(id.SystemIdentifiers))
	for _, si := range id.SystemIdentifiers {
		if si.EmpSystemID == "" || si.TenantID == "" {
			continue
		}
		switch si.SystemName {
		case visitmodel.SystemProcura:
		case visitmodel.SystemAlayaCare:
			if !flags.SecondarySystem {
				continue
			}
		default:
			continue
		}
		if seen[si] {
			continue
		}
		seen[si] = true
		out = append(out, si)
	}
	return out
}

// EffectiveBranch is the requested branch when the identity belongs to it,
// otherwise the identity's first branch.
func EffectiveBranch(id *external.Identity, requested string) string {
	if id == nil {
		return requested
	}
	if requested != "" && id.HasBranch(requested) {
		return requested
	}
	return id.PrimaryBranch()
}
