package domain

// EnrichedRecord is a hydrated record joined with its associations and the
// resolved related records. It is the caller-visible view-model.
type EnrichedRecord struct {
	ID           string             `json:"id"`
	Properties   map[string]*string `json:"properties"`
	CreatedAt    string             `json:"createdAt,omitempty"`
	UpdatedAt    string             `json:"updatedAt,omitempty"`
	Associations AssociationSet     `json:"associations"`
	ContactsData []*Object          `json:"contactsData"`
	DealsData    []*Object          `json:"dealsData"`
}

// Page is one page of enriched records plus the cursor for the next page.
// An empty NextAfter means there are no further pages.
type Page struct {
	Records   []EnrichedRecord `json:"results"`
	NextAfter string           `json:"nextAfter,omitempty"`
}
