// Package species parses the classifier's raw label strings into their
// scientific/common name parts, the same "ScientificName_CommonName" label
// convention the classifier's model and labels file use.
package species

import "strings"

// Species holds a parsed label.
type Species struct {
	ScientificName string
	CommonName     string
	Code           string // eBird species code, when the label carries one
}

// Parse extracts scientific name, common name, and an optional species code
// from a classifier label.
//
// Supported formats:
//   - "ScientificName_CommonName_SpeciesCode" (3 parts)
//   - "ScientificName_CommonName" (2 parts, most common)
//   - "Common Name" (space-separated, no scientific name)
func Parse(label string) Species {
	label = strings.TrimSpace(label)
	label = strings.ReplaceAll(label, "\r", "")

	if label == "" || strings.ContainsAny(label, "\t\n") {
		return Species{ScientificName: label, CommonName: label}
	}

	parts := strings.SplitN(label, "_", 3)
	switch len(parts) {
	case 3:
		return Species{ScientificName: parts[0], CommonName: parts[1], Code: parts[2]}
	case 2:
		return Species{ScientificName: parts[0], CommonName: parts[1]}
	}

	if strings.Contains(label, " ") {
		return Species{CommonName: label}
	}
	return Species{ScientificName: label, CommonName: label}
}

// DisplayName is the name a Detection's display_name field should carry.
func (s Species) DisplayName() string {
	if s.CommonName != "" {
		return s.CommonName
	}
	return s.ScientificName
}
