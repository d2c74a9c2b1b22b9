package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johnwards/leadfeed/internal/api"
	"github.com/johnwards/leadfeed/internal/domain"
)

// FakeToken is the bearer token FakeCRM accepts.
const FakeToken = "test-api-key"

// Call records one request made to FakeCRM.
type Call struct {
	Method string
	Path   string
	Auth   string
	Inputs []string
	Body   []byte
}

// FakeCRM is an in-memory stand-in for the HubSpot endpoints the pipeline
// uses. It records every call so tests can assert on request counts and
// batch sizes.
type FakeCRM struct {
	Server *httptest.Server

	mu       sync.Mutex
	objects  map[string]map[string]*domain.Object
	order    map[string][]string
	assocs   map[string]map[string][]domain.RecordStub
	owners   []domain.Owner
	failures map[string]int
	failIDs  map[string]map[string]int
	delay    time.Duration
	calls    []Call
	inFlight int
	peak     int
}

// NewFakeCRM starts a FakeCRM that is shut down when the test completes.
func NewFakeCRM(t *testing.T) *FakeCRM {
	t.Helper()

	f := &FakeCRM{
		objects:  make(map[string]map[string]*domain.Object),
		order:    make(map[string][]string),
		assocs:   make(map[string]map[string][]domain.RecordStub),
		failures: make(map[string]int),
		failIDs:  make(map[string]map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /crm/v3/objects/{objectType}/search", f.search)
	mux.HandleFunc("POST /crm/v3/objects/{objectType}/batch/read", f.batchRead)
	mux.HandleFunc("POST /crm/v3/associations/{from}/{to}/batch/read", f.associationsBatchRead)
	mux.HandleFunc("GET /crm/v3/owners", f.listOwners)
	mux.HandleFunc("GET /crm/v3/owners/{ownerId}", f.getOwner)

	handler := api.Chain(mux, api.RequestID(), api.Auth(FakeToken), f.track)
	f.Server = httptest.NewServer(handler)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the fake.
func (f *FakeCRM) URL() string {
	return f.Server.URL
}

// AddObject stores an object. Objects are returned by search in insertion
// order before sorting.
func (f *FakeCRM) AddObject(objectType, id string, props map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.objects[objectType] == nil {
		f.objects[objectType] = make(map[string]*domain.Object)
	}
	p := make(map[string]*string, len(props)+1)
	for k, v := range props {
		p[k] = &v
	}
	p["hs_object_id"] = &id
	if _, exists := f.objects[objectType][id]; !exists {
		f.order[objectType] = append(f.order[objectType], id)
	}
	f.objects[objectType][id] = &domain.Object{ID: id, Properties: p}
}

// Associate links fromID of fromType to toID of toType.
func (f *FakeCRM) Associate(fromType, fromID, toType, toID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fromType + "/" + toType
	if f.assocs[key] == nil {
		f.assocs[key] = make(map[string][]domain.RecordStub)
	}
	typ := strings.TrimSuffix(fromType, "s") + "_to_" + strings.TrimSuffix(toType, "s")
	f.assocs[key][fromID] = append(f.assocs[key][fromID], domain.RecordStub{ID: toID, Type: typ})
}

// AddOwner registers an owner.
func (f *FakeCRM) AddOwner(o domain.Owner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, o)
}

// FailPath makes every request whose path equals path fail with status.
func (f *FakeCRM) FailPath(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = status
}

// FailInput makes requests to path fail with status when their batch inputs
// include id. Other batches to the same path are served normally.
func (f *FakeCRM) FailInput(path, id string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[path] == nil {
		f.failIDs[path] = make(map[string]int)
	}
	f.failIDs[path][id] = status
}

// SetDelay makes every request wait d before being answered.
func (f *FakeCRM) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns every recorded call.
func (f *FakeCRM) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsTo returns the recorded calls whose path equals path.
func (f *FakeCRM) CallsTo(path string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// PeakInFlight returns the highest number of concurrently served requests.
func (f *FakeCRM) PeakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Reset forgets recorded calls and the in-flight peak.
func (f *FakeCRM) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.peak = 0
}

func (f *FakeCRM) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(r.Body)
			if err != nil {
				api.WriteError(w, http.StatusBadRequest, api.NewValidationError("Invalid input JSON", api.CorrelationID(r.Context()), nil))
				return
			}
		}

		var in struct {
			Inputs []domain.ObjectID `json:"inputs"`
		}
		_ = json.Unmarshal(body, &in)
		inputs := make([]string, len(in.Inputs))
		for i, o := range in.Inputs {
			inputs[i] = o.ID
		}

		f.mu.Lock()
		f.calls = append(f.calls, Call{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Inputs: inputs,
			Body:   body,
		})
		f.inFlight++
		f.peak = max(f.peak, f.inFlight)
		status := f.failures[r.URL.Path]
		for _, id := range inputs {
			if status != 0 {
				break
			}
			status = f.failIDs[r.URL.Path][id]
		}
		delay := f.delay
		f.mu.Unlock()

		defer func() {
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
		}()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if status != 0 {
			api.WriteError(w, status, &api.Error{
				Status:        "error",
				Message:       fmt.Sprintf("injected failure for %s", r.URL.Path),
				CorrelationID: api.CorrelationID(r.Context()),
				Category:      api.CategoryInternalError,
			})
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (f *FakeCRM) search(w http.ResponseWriter, r *http.Request) {
	objectType := r.PathValue("objectType")

	var req domain.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.NewValidationError("Invalid input JSON", api.CorrelationID(r.Context()), nil))
		return
	}

	f.mu.Lock()
	var matched []*domain.Object
	for _, id := range f.order[objectType] {
		obj := f.objects[objectType][id]
		if matchesAny(obj, req.FilterGroups) {
			matched = append(matched, obj)
		}
	}
	f.mu.Unlock()

	for i := len(req.Sorts) - 1; i >= 0; i-- {
		s := req.Sorts[i]
		slices.SortStableFunc(matched, func(a, b *domain.Object) int {
			c := compareValues(a.Property(s.PropertyName), b.Property(s.PropertyName))
			if s.Direction == domain.SortDescending {
				return -c
			}
			return c
		})
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	start := 0
	if req.After != "" {
		n, err := strconv.Atoi(req.After)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, api.NewValidationError("invalid after cursor", api.CorrelationID(r.Context()), nil))
			return
		}
		start = min(n, len(matched))
	}
	end := min(start+limit, len(matched))

	result := domain.SearchResult{Total: len(matched), Results: []*domain.Object{}}
	for _, obj := range matched[start:end] {
		result.Results = append(result.Results, project(obj, req.Properties))
	}
	if end < len(matched) {
		result.Paging = &domain.SearchPaging{Next: domain.SearchPagingNext{After: strconv.Itoa(end)}}
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func (f *FakeCRM) batchRead(w http.ResponseWriter, r *http.Request) {
	objectType := r.PathValue("objectType")

	var req domain.BatchReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.NewValidationError("Invalid input JSON", api.CorrelationID(r.Context()), nil))
		return
	}
	if len(req.Inputs) > 100 {
		api.WriteError(w, http.StatusBadRequest, api.NewValidationError("Batch size exceeds maximum of 100", api.CorrelationID(r.Context()), nil))
		return
	}

	resp := domain.BatchReadResponse{Status: "COMPLETE", Results: []*domain.Object{}}
	var missing []string

	f.mu.Lock()
	// Results come back in reverse input order; the CRM makes no ordering promise.
	for i := len(req.Inputs) - 1; i >= 0; i-- {
		id := req.Inputs[i].ID
		obj, ok := f.objects[objectType][id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		resp.Results = append(resp.Results, project(obj, req.Properties))
	}
	f.mu.Unlock()

	status := http.StatusOK
	if len(missing) > 0 {
		status = http.StatusMultiStatus
		resp.NumErrors = len(missing)
		resp.Errors = []domain.BatchError{{
			Status:   "error",
			Category: api.CategoryObjectNotFound,
			Message:  "Could not get some " + objectType + " objects, they may be deleted or not exist.",
			Context:  map[string][]string{"ids": missing},
		}}
	}
	api.WriteJSON(w, status, resp)
}

func (f *FakeCRM) associationsBatchRead(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("from") + "/" + r.PathValue("to")

	var req domain.AssociationBatchReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.NewValidationError("Invalid input JSON", api.CorrelationID(r.Context()), nil))
		return
	}
	if len(req.Inputs) > 1000 {
		api.WriteError(w, http.StatusBadRequest, api.NewValidationError("Batch size exceeds maximum of 1000", api.CorrelationID(r.Context()), nil))
		return
	}

	resp := domain.AssociationBatchReadResponse{Status: "COMPLETE", Results: []domain.AssociationBatchRow{}}
	f.mu.Lock()
	for _, in := range req.Inputs {
		if to := f.assocs[key][in.ID]; len(to) > 0 {
			resp.Results = append(resp.Results, domain.AssociationBatchRow{From: in, To: slices.Clone(to)})
		}
	}
	f.mu.Unlock()

	api.WriteJSON(w, http.StatusOK, resp)
}

func (f *FakeCRM) listOwners(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	results := []domain.Owner{}
	f.mu.Lock()
	for _, o := range f.owners {
		if email == "" || strings.EqualFold(o.Email, email) {
			results = append(results, o)
		}
	}
	f.mu.Unlock()

	api.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (f *FakeCRM) getOwner(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("ownerId")

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.owners {
		if o.ID == id {
			api.WriteJSON(w, http.StatusOK, o)
			return
		}
	}
	api.WriteError(w, http.StatusNotFound, api.NewNotFoundError("Owner not found", api.CorrelationID(r.Context())))
}

func matchesAny(obj *domain.Object, groups []domain.FilterGroup) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		ok := true
		for _, flt := range g.Filters {
			if !matches(obj, flt) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func matches(obj *domain.Object, flt domain.Filter) bool {
	v := obj.Property(flt.PropertyName)
	switch flt.Operator {
	case domain.OperatorEQ:
		return v == flt.Value
	case domain.OperatorIn:
		return slices.Contains(flt.Values, v)
	case domain.OperatorNotIn:
		return !slices.Contains(flt.Values, v)
	case domain.OperatorBetween:
		return compareValues(v, flt.Value) >= 0 && compareValues(v, flt.HighValue) <= 0
	}
	return false
}

// compareValues compares numerically when both sides are integers.
func compareValues(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func project(obj *domain.Object, props []string) *domain.Object {
	out := &domain.Object{ID: obj.ID, Properties: make(map[string]*string, len(props)+1)}
	out.Properties["hs_object_id"] = obj.Properties["hs_object_id"]
	for _, p := range props {
		out.Properties[p] = obj.Properties[p]
	}
	return out
}
