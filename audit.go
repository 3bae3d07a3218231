package scorepipe

import "github.com/bkral/go-scorepipe/internal/audit"

// Re-export the audit types for the public API

// AuditRecord is one parsed audit-mode output line
type AuditRecord = audit.Record

// FeatureContribution is one parsed feature record of an audit line
type FeatureContribution = audit.FeatureContribution

// GroupedContribution is one entry of the human-readable audit projection
type GroupedContribution = audit.GroupedContribution

// ParseAuditLine parses one audit-mode output line without involving a
// driver. Useful for offline analysis of captured engine output.
func ParseAuditLine(line string) (*AuditRecord, error) {
	rec, err := audit.ParseLine(line)
	if err != nil {
		return nil, WrapError("PARSE_AUDIT", ErrCodeAuditParse, err)
	}
	return rec, nil
}
