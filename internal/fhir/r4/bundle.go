package r4

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR searchset bundle. The prescription query returns
// MedicationRequest resources with their MedicationDispense resources
// _revincluded in the same bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        int           `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink carries paging links.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry holds one resource; the concrete type is sniffed from the
// resourceType discriminator when partitioning.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// resourceHeader is used to sniff the entry type before full decoding.
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
}

// Partition splits a prescription searchset into its requests and dispenses.
// Entries of any other resource type are ignored.
func (b *Bundle) Partition() ([]*MedicationRequest, []*MedicationDispense, error) {
	var (
		requests  []*MedicationRequest
		dispenses []*MedicationDispense
	)
	for i, entry := range b.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var hdr resourceHeader
		if err := json.Unmarshal(entry.Resource, &hdr); err != nil {
			return nil, nil, fmt.Errorf("entry %d: sniff resource type: %w", i, err)
		}
		switch hdr.ResourceType {
		case "MedicationRequest":
			req := &MedicationRequest{}
			if err := json.Unmarshal(entry.Resource, req); err != nil {
				return nil, nil, fmt.Errorf("entry %d: decode MedicationRequest: %w", i, err)
			}
			requests = append(requests, req)
		case "MedicationDispense":
			disp := &MedicationDispense{}
			if err := json.Unmarshal(entry.Resource, disp); err != nil {
				return nil, nil, fmt.Errorf("entry %d: decode MedicationDispense: %w", i, err)
			}
			dispenses = append(dispenses, disp)
		}
	}
	return requests, dispenses, nil
}
