package domain

// Object represents a CRM object (engagement, task, deal, contact, ...).
// Property values are nil when the CRM reports them as null.
type Object struct {
	ID         string             `json:"id"`
	Properties map[string]*string `json:"properties"`
	CreatedAt  string             `json:"createdAt,omitempty"`
	UpdatedAt  string             `json:"updatedAt,omitempty"`
	Archived   bool               `json:"archived,omitempty"`
}

// Property returns the named property value, or "" if it is unset or null.
func (o *Object) Property(name string) string {
	if o == nil {
		return ""
	}
	if v := o.Properties[name]; v != nil {
		return *v
	}
	return ""
}

// ObjectID identifies an object in batch operations.
type ObjectID struct {
	ID string `json:"id"`
}

// BatchReadRequest is the body of a CRM batch read call.
type BatchReadRequest struct {
	Inputs     []ObjectID `json:"inputs"`
	Properties []string   `json:"properties"`
}

// BatchReadResponse wraps the result of a batch read. IDs that could not be
// read are reported in Errors and omitted from Results.
type BatchReadResponse struct {
	Status    string       `json:"status"`
	Results   []*Object    `json:"results"`
	NumErrors int          `json:"numErrors,omitempty"`
	Errors    []BatchError `json:"errors,omitempty"`
}

// BatchError describes a per-input failure inside a batch response.
type BatchError struct {
	Status   string              `json:"status"`
	Category string              `json:"category"`
	Message  string              `json:"message"`
	Context  map[string][]string `json:"context,omitempty"`
}

// Owner is a CRM user that records can be assigned to.
type Owner struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	UserID    int    `json:"userId"`
	Archived  bool   `json:"archived"`
}
