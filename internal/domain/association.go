package domain

// Category names an association target resolved by the pipeline.
type Category string

// Association categories.
const (
	CategoryContacts  Category = "contacts"
	CategoryCompanies Category = "companies"
	CategoryDeals     Category = "deals"
)

// Categories lists every category an AssociationSet holds, in a stable order.
var Categories = []Category{CategoryContacts, CategoryCompanies, CategoryDeals}

// RecordStub is the minimal identity of a related record.
type RecordStub struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// AssociationSet holds the related-record stubs of one record. Each slice is
// always non-nil so that the JSON form carries empty arrays.
type AssociationSet struct {
	Contacts  []RecordStub `json:"contacts"`
	Companies []RecordStub `json:"companies"`
	Deals     []RecordStub `json:"deals"`
}

// NewAssociationSet returns a set with every category empty.
func NewAssociationSet() AssociationSet {
	return AssociationSet{
		Contacts:  []RecordStub{},
		Companies: []RecordStub{},
		Deals:     []RecordStub{},
	}
}

// Get returns the stubs for c.
func (s *AssociationSet) Get(c Category) []RecordStub {
	switch c {
	case CategoryContacts:
		return s.Contacts
	case CategoryCompanies:
		return s.Companies
	case CategoryDeals:
		return s.Deals
	}
	return nil
}

// Set replaces the stubs for c. Unknown categories are ignored.
func (s *AssociationSet) Set(c Category, stubs []RecordStub) {
	if stubs == nil {
		stubs = []RecordStub{}
	}
	switch c {
	case CategoryContacts:
		s.Contacts = stubs
	case CategoryCompanies:
		s.Companies = stubs
	case CategoryDeals:
		s.Deals = stubs
	}
}

// AssociationBatchReadRequest is the body of an association batch read.
type AssociationBatchReadRequest struct {
	Inputs []ObjectID `json:"inputs"`
}

// AssociationBatchReadResponse is the result of an association batch read.
type AssociationBatchReadResponse struct {
	Status  string                `json:"status"`
	Results []AssociationBatchRow `json:"results"`
}

// AssociationBatchRow lists the records associated with one source record.
type AssociationBatchRow struct {
	From ObjectID     `json:"from"`
	To   []RecordStub `json:"to"`
}
