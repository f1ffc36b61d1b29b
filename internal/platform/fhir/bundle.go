package fhir

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource"`
}

// NewCollectionBundle wraps resources in a collection Bundle. Each entry's
// fullUrl is built from the resource's type and id.
func NewCollectionBundle(resources []map[string]interface{}, at time.Time) *Bundle {
	ts := at.UTC()
	total := len(resources)
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "collection",
		Total:        &total,
		Timestamp:    &ts,
		Entry:        make([]BundleEntry, 0, len(resources)),
	}
	for _, r := range resources {
		entry := BundleEntry{Resource: r}
		rt, _ := r["resourceType"].(string)
		id, _ := r["id"].(string)
		if rt != "" && id != "" {
			entry.FullURL = FormatReference(rt, id)
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
