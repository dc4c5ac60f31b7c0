// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queryopt

import "strings"

// RuleCategory is the closed set of detection rule families that receive
// category-specific predicate injection. Using a typed enum with an
// explicit fallback arm makes adding a category a compile-visible change
// rather than a silent no-op on a typo'd string.
type RuleCategory int

const (
	// RuleNone disables rule-specific predicate injection.
	RuleNone RuleCategory = iota

	// RuleSuspiciousLogin targets anomalous authentication activity.
	RuleSuspiciousLogin

	// RulePrivilegeEscalation targets IAM policy and role changes.
	RulePrivilegeEscalation

	// RuleDataExfiltration targets bulk reads and export operations.
	RuleDataExfiltration

	// RuleResourceModification targets destructive resource changes.
	RuleResourceModification

	// RuleFirewallChange targets network perimeter changes.
	RuleFirewallChange
)

// String returns the canonical category name.
func (c RuleCategory) String() string {
	switch c {
	case RuleSuspiciousLogin:
		return "suspicious_login"
	case RulePrivilegeEscalation:
		return "privilege_escalation"
	case RuleDataExfiltration:
		return "data_exfiltration"
	case RuleResourceModification:
		return "resource_modification"
	case RuleFirewallChange:
		return "firewall_change"
	default:
		return "none"
	}
}

// ParseRuleCategory maps a category name to its enum value. Unknown names
// return (RuleNone, false) so callers can distinguish "no category" from
// a typo.
func ParseRuleCategory(name string) (RuleCategory, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "suspicious_login":
		return RuleSuspiciousLogin, true
	case "privilege_escalation":
		return RulePrivilegeEscalation, true
	case "data_exfiltration":
		return RuleDataExfiltration, true
	case "resource_modification":
		return RuleResourceModification, true
	case "firewall_change":
		return RuleFirewallChange, true
	default:
		return RuleNone, false
	}
}

// Keywords returns the method/resource-name substrings characteristic of
// the category. The fallback arm returns nil: no injection for unknown or
// absent categories.
func (c RuleCategory) Keywords() []string {
	switch c {
	case RuleSuspiciousLogin:
		return []string{"SignIn", "LoginService", "GenerateAccessToken", "GetOpenIDToken"}
	case RulePrivilegeEscalation:
		return []string{"SetIamPolicy", "CreateRole", "UpdateRole", "AddIamPolicyBinding"}
	case RuleDataExfiltration:
		return []string{"storage.objects.get", "tables.getData", "ExportTable", "CreateExportTask"}
	case RuleResourceModification:
		return []string{"instances.delete", "instances.setMetadata", "UpdateCluster", "DeleteCluster"}
	case RuleFirewallChange:
		return []string{"firewalls.insert", "firewalls.patch", "firewalls.update", "firewalls.delete"}
	default:
		return nil
	}
}
