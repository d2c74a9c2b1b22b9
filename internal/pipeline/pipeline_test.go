package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/johnwards/leadfeed/internal/domain"
	"github.com/johnwards/leadfeed/internal/hubspot"
	"github.com/johnwards/leadfeed/internal/limiter"
	"github.com/johnwards/leadfeed/internal/pipeline"
	"github.com/johnwards/leadfeed/internal/session"
	"github.com/johnwards/leadfeed/internal/store"
	"github.com/johnwards/leadfeed/internal/testhelpers"
	"github.com/johnwards/leadfeed/internal/timerange"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	ownerID  = "7"
	baseTime = int64(1760000000000)

	engagementSearch = "/crm/v3/objects/engagements/search"
	engagementRead   = "/crm/v3/objects/engagements/batch/read"
	contactRead      = "/crm/v3/objects/contacts/batch/read"
	dealRead         = "/crm/v3/objects/deals/batch/read"
)

func assocPath(from, to string) string {
	return "/crm/v3/associations/" + from + "/" + to + "/batch/read"
}

func newPipeline(t *testing.T, crm *testhelpers.FakeCRM, opts pipeline.Options) *pipeline.Pipeline {
	t.Helper()

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)

	client, err := hubspot.NewClient(hubspot.Options{
		BaseURL:    crm.URL(),
		APIKey:     testhelpers.FakeToken,
		HTTPClient: &http.Client{Transport: transport},
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if opts.Owners == nil {
		opts.Owners = client
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return pipeline.New(client, opts)
}

// seedEngagements adds n CALL engagements owned by ownerID. The engagement
// with the highest index is the most recent.
func seedEngagements(crm *testhelpers.FakeCRM, n int) []string {
	ids := make([]string, n)
	for i := range n {
		id := fmt.Sprintf("e%d", i)
		ids[i] = id
		crm.AddObject("engagements", id, map[string]string{
			"hubspot_owner_id":   ownerID,
			"hs_createdate":      strconv.FormatInt(baseTime+int64(i), 10),
			"hs_engagement_type": "CALL",
		})
	}
	return ids
}

// newestFirst returns ids in descending creation order.
func newestFirst(ids []string) []string {
	out := slices.Clone(ids)
	slices.Reverse(out)
	return out
}

func recordIDs(page *domain.Page) []string {
	out := make([]string, len(page.Records))
	for i, r := range page.Records {
		out[i] = r.ID
	}
	return out
}

func activities(t *testing.T, p *pipeline.Pipeline, after string) *domain.Page {
	t.Helper()
	page, err := p.LeadsBatchActivities(context.Background(), timerange.AllTime, after, ownerID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	return page
}

func TestEmptySearchMakesNoFurtherCalls(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	p := newPipeline(t, crm, pipeline.Options{})

	page := activities(t, p, "")

	if page.Records == nil || len(page.Records) != 0 {
		t.Errorf("records = %#v, want empty non-nil slice", page.Records)
	}
	if page.NextAfter != "" {
		t.Errorf("nextAfter = %q, want empty", page.NextAfter)
	}
	calls := crm.Calls()
	if len(calls) != 1 || calls[0].Path != engagementSearch {
		t.Errorf("calls = %v, want a single search", calls)
	}
}

func TestSinglePageOfEngagements(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 150)
	for i, id := range ids {
		crm.AddObject("contacts", fmt.Sprintf("c%d", i%3), map[string]string{"firstname": "C"})
		crm.Associate("engagements", id, "contacts", fmt.Sprintf("c%d", i%3))
	}
	p := newPipeline(t, crm, pipeline.Options{})

	page := activities(t, p, "")

	if len(page.Records) != 150 {
		t.Fatalf("records = %d, want 150", len(page.Records))
	}
	if page.NextAfter != "" {
		t.Errorf("nextAfter = %q, want empty", page.NextAfter)
	}
	if diff := cmp.Diff(newestFirst(ids), recordIDs(page)); diff != "" {
		t.Errorf("record order does not follow search order (-want +got):\n%s", diff)
	}

	reads := crm.CallsTo(engagementRead)
	if len(reads) != 2 {
		t.Fatalf("engagement batch reads = %d, want 2", len(reads))
	}
	sizes := []int{len(reads[0].Inputs), len(reads[1].Inputs)}
	slices.Sort(sizes)
	if !slices.Equal(sizes, []int{50, 100}) {
		t.Errorf("batch sizes = %v, want [50 100]", sizes)
	}

	for _, r := range page.Records {
		if len(r.ContactsData) != 1 {
			t.Fatalf("record %s contactsData = %d, want 1", r.ID, len(r.ContactsData))
		}
		if r.ContactsData[0].ID != r.Associations.Contacts[0].ID {
			t.Errorf("record %s joined %s, want %s", r.ID, r.ContactsData[0].ID, r.Associations.Contacts[0].ID)
		}
	}
}

func TestSharedContactHydratedOnce(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 3)
	crm.AddObject("contacts", "c1", map[string]string{"firstname": "Ada", "email": "ada@example.com"})
	for _, id := range ids {
		crm.Associate("engagements", id, "contacts", "c1")
	}
	p := newPipeline(t, crm, pipeline.Options{})

	page := activities(t, p, "")

	reads := crm.CallsTo(contactRead)
	if len(reads) != 1 {
		t.Fatalf("contact batch reads = %d, want 1", len(reads))
	}
	if !slices.Equal(reads[0].Inputs, []string{"c1"}) {
		t.Errorf("contact inputs = %v, want [c1]", reads[0].Inputs)
	}
	for _, r := range page.Records {
		if len(r.ContactsData) != 1 || r.ContactsData[0].Property("email") != "ada@example.com" {
			t.Errorf("record %s contactsData = %v, want ada", r.ID, r.ContactsData)
		}
	}
}

func TestHydrationPreservesOrderAcrossChunks(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 101)
	p := newPipeline(t, crm, pipeline.Options{})

	page := activities(t, p, "")

	if diff := cmp.Diff(newestFirst(ids), recordIDs(page)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	crm.Reset()
	small := newPipeline(t, crm, pipeline.Options{BatchSize: 7})
	page = activities(t, small, "")
	if diff := cmp.Diff(newestFirst(ids), recordIDs(page)); diff != "" {
		t.Errorf("with batch size 7: ids mismatch (-want +got):\n%s", diff)
	}
	if n := len(crm.CallsTo(engagementRead)); n != 15 {
		t.Errorf("engagement batch reads = %d, want 15", n)
	}
}

func TestAssociationFailureDegradesCategory(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 4)
	crm.AddObject("contacts", "c1", nil)
	crm.AddObject("companies", "co1", nil)
	for _, id := range ids {
		crm.Associate("engagements", id, "contacts", "c1")
		crm.Associate("engagements", id, "companies", "co1")
	}
	crm.FailPath(assocPath("engagements", "companies"), http.StatusInternalServerError)
	p := newPipeline(t, crm, pipeline.Options{})

	page := activities(t, p, "")

	if len(page.Records) != 4 {
		t.Fatalf("records = %d, want 4", len(page.Records))
	}
	for _, r := range page.Records {
		if r.Associations.Companies == nil || len(r.Associations.Companies) != 0 {
			t.Errorf("record %s companies = %#v, want empty", r.ID, r.Associations.Companies)
		}
		if len(r.Associations.Contacts) != 1 {
			t.Errorf("record %s contacts = %v, want 1", r.ID, r.Associations.Contacts)
		}
		if len(r.ContactsData) != 1 {
			t.Errorf("record %s contactsData = %d, want 1", r.ID, len(r.ContactsData))
		}
	}
}

func TestAssociationFailureFatalPolicy(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	seedEngagements(crm, 2)
	crm.FailPath(assocPath("engagements", "deals"), http.StatusBadGateway)

	policy := pipeline.DefaultPolicy()
	policy.Associate = pipeline.Fatal
	p := newPipeline(t, crm, pipeline.Options{Policy: &policy})

	_, err := p.LeadsBatchActivities(context.Background(), timerange.AllTime, "", ownerID)
	if !hubspot.IsStatus(err, http.StatusBadGateway) {
		t.Errorf("error = %v, want 502 HTTPError", err)
	}
}

func TestSearchFailureIsFatal(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	seedEngagements(crm, 2)
	crm.FailPath(engagementSearch, http.StatusInternalServerError)
	p := newPipeline(t, crm, pipeline.Options{})

	_, err := p.LeadsBatchActivities(context.Background(), timerange.AllTime, "", ownerID)
	var httpErr *hubspot.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", httpErr.StatusCode)
	}
	if n := len(crm.CallsTo(engagementRead)); n != 0 {
		t.Errorf("batch reads after failed search = %d, want 0", n)
	}
}

func TestHydrationFailureIsFatal(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 3)
	crm.AddObject("contacts", "c1", nil)
	crm.Associate("engagements", ids[0], "contacts", "c1")
	crm.FailPath(engagementRead, http.StatusInternalServerError)
	p := newPipeline(t, crm, pipeline.Options{})

	page, err := p.LeadsBatchActivities(context.Background(), timerange.AllTime, "", ownerID)
	if !hubspot.IsStatus(err, http.StatusInternalServerError) {
		t.Errorf("error = %v, want 500 HTTPError", err)
	}
	if page != nil {
		t.Errorf("page = %+v, want nil", page)
	}
	if n := len(crm.CallsTo(contactRead)); n != 0 {
		t.Errorf("contact batch reads after failed hydration = %d, want 0", n)
	}
}

func TestHydrationFailureInOneChunkIsFatal(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 6)
	crm.FailInput(engagementRead, ids[2], http.StatusServiceUnavailable)
	p := newPipeline(t, crm, pipeline.Options{BatchSize: 2})

	page, err := p.LeadsBatchActivities(context.Background(), timerange.AllTime, "", ownerID)
	if !hubspot.IsStatus(err, http.StatusServiceUnavailable) {
		t.Errorf("error = %v, want 503 HTTPError", err)
	}
	if page != nil {
		t.Errorf("page = %+v, want nil", page)
	}
}

func TestJoinHydrationFailureIsFatal(t *testing.T) {
	tests := []struct {
		name string
		fail string
		run  func(*pipeline.Pipeline) (*domain.Page, error)
	}{
		{
			name: "contacts",
			fail: contactRead,
			run: func(p *pipeline.Pipeline) (*domain.Page, error) {
				return p.LeadsBatchActivities(context.Background(), timerange.AllTime, "", ownerID)
			},
		},
		{
			name: "deals",
			fail: dealRead,
			run: func(p *pipeline.Pipeline) (*domain.Page, error) {
				return p.UserBatchTasks(context.Background(), timerange.AllTime, "", time.Time{}, time.Time{}, ownerID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crm := testhelpers.NewFakeCRM(t)
			ids := seedEngagements(crm, 2)
			crm.AddObject("tasks", "t1", map[string]string{
				"hubspot_owner_id": ownerID,
				"hs_createdate":    strconv.FormatInt(baseTime, 10),
			})
			crm.AddObject("contacts", "c1", nil)
			crm.AddObject("deals", "d1", nil)
			crm.Associate("engagements", ids[0], "contacts", "c1")
			crm.Associate("tasks", "t1", "contacts", "c1")
			crm.Associate("tasks", "t1", "deals", "d1")
			crm.FailPath(tt.fail, http.StatusInternalServerError)
			p := newPipeline(t, crm, pipeline.Options{})

			page, err := tt.run(p)
			if !hubspot.IsStatus(err, http.StatusInternalServerError) {
				t.Errorf("error = %v, want 500 HTTPError", err)
			}
			if page != nil {
				t.Errorf("page = %+v, want nil", page)
			}
		})
	}
}

func TestRollingRangeSearchIsCached(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	seedEngagements(crm, 3)

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	client, err := hubspot.NewClient(hubspot.Options{
		BaseURL:    crm.URL(),
		APIKey:     testhelpers.FakeToken,
		HTTPClient: &http.Client{Transport: transport},
		Cache:      store.NewSQLiteCacheStore(testhelpers.NewMigratedDB(t)),
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ranges := timerange.NewResolver(time.UTC)
	now := time.UnixMilli(baseTime).Add(2 * time.Hour).UTC()
	ranges.Now = func() time.Time { return now }
	p := pipeline.New(client, pipeline.Options{
		Owners: client,
		Ranges: ranges,
		Logger: slog.New(slog.DiscardHandler),
	})

	for _, selector := range []string{timerange.Weekly, timerange.AllTime} {
		crm.Reset()
		for i := range 2 {
			// The second call lands later in the same minute.
			now = now.Add(time.Duration(i) * 10 * time.Millisecond)
			page, err := p.LeadsBatchActivities(context.Background(), selector, "", ownerID)
			if err != nil {
				t.Fatalf("%s: %v", selector, err)
			}
			if len(page.Records) != 3 {
				t.Fatalf("%s: records = %d, want 3", selector, len(page.Records))
			}
		}
		if n := len(crm.CallsTo(engagementSearch)); n != 1 {
			t.Errorf("%s: upstream searches = %d, want 1", selector, n)
		}
	}
}

func TestCursorIsIdempotent(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 250)
	p := newPipeline(t, crm, pipeline.Options{})

	first := activities(t, p, "")
	if len(first.Records) != 200 {
		t.Fatalf("first page = %d records, want 200", len(first.Records))
	}
	if first.NextAfter == "" {
		t.Fatal("expected a cursor after the first page")
	}

	a := activities(t, p, first.NextAfter)
	b := activities(t, p, first.NextAfter)
	if !slices.Equal(recordIDs(a), recordIDs(b)) {
		t.Error("same cursor returned different pages")
	}
	if diff := cmp.Diff(newestFirst(ids)[200:], recordIDs(a)); diff != "" {
		t.Errorf("second page mismatch (-want +got):\n%s", diff)
	}
	if a.NextAfter != "" {
		t.Errorf("last page nextAfter = %q, want empty", a.NextAfter)
	}
}

func TestExcludesTasksAndMeetings(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	for i, typ := range []string{"CALL", "TASK", "EMAIL", "MEETING", "NOTE"} {
		crm.AddObject("engagements", typ, map[string]string{
			"hubspot_owner_id":   ownerID,
			"hs_createdate":      strconv.FormatInt(baseTime+int64(i), 10),
			"hs_engagement_type": typ,
		})
	}
	crm.AddObject("engagements", "other-owner", map[string]string{
		"hubspot_owner_id":   "99",
		"hs_createdate":      strconv.FormatInt(baseTime, 10),
		"hs_engagement_type": "CALL",
	})
	p := newPipeline(t, crm, pipeline.Options{})

	page := activities(t, p, "")

	if got, want := recordIDs(page), []string{"NOTE", "EMAIL", "CALL"}; !slices.Equal(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
	if got := page.Records[0].Properties["hs_engagement_type"]; got == nil || *got != "NOTE" {
		t.Errorf("hydrated hs_engagement_type = %v, want NOTE", got)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 60)
	for i, id := range ids {
		cid := fmt.Sprintf("c%d", i)
		crm.AddObject("contacts", cid, nil)
		crm.Associate("engagements", id, "contacts", cid)
	}
	crm.SetDelay(10 * time.Millisecond)
	p := newPipeline(t, crm, pipeline.Options{Limiter: limiter.New(2), BatchSize: 5})

	page := activities(t, p, "")

	if len(page.Records) != 60 {
		t.Fatalf("records = %d, want 60", len(page.Records))
	}
	if peak := crm.PeakInFlight(); peak > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak)
	}
}

func TestAssociationsAreChunked(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	ids := seedEngagements(crm, 5)
	crm.AddObject("contacts", "c1", nil)
	for _, id := range ids {
		crm.Associate("engagements", id, "contacts", "c1")
		crm.Associate("engagements", id, "contacts", "c1")
	}
	p := newPipeline(t, crm, pipeline.Options{AssociationBatchSize: 2})

	page := activities(t, p, "")

	if n := len(crm.CallsTo(assocPath("engagements", "contacts"))); n != 3 {
		t.Errorf("contact association reads = %d, want 3", n)
	}
	for _, r := range page.Records {
		if len(r.Associations.Contacts) != 1 {
			t.Errorf("record %s contacts = %v, want one deduplicated stub", r.ID, r.Associations.Contacts)
		}
	}
}

func TestJoinDropsUnresolvedReferences(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	seedEngagements(crm, 1)
	crm.AddObject("contacts", "c1", nil)
	crm.Associate("engagements", "e0", "contacts", "ghost")
	crm.Associate("engagements", "e0", "contacts", "c1")
	p := newPipeline(t, crm, pipeline.Options{})

	page := activities(t, p, "")

	r := page.Records[0]
	if len(r.Associations.Contacts) != 2 {
		t.Errorf("contacts = %v, want both stubs", r.Associations.Contacts)
	}
	if len(r.ContactsData) != 1 || r.ContactsData[0].ID != "c1" {
		t.Errorf("contactsData = %v, want only c1", r.ContactsData)
	}
	if r.DealsData == nil {
		t.Error("dealsData is nil, want empty slice")
	}
}

func TestOwnerFromSession(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	seedEngagements(crm, 2)
	crm.AddOwner(domain.Owner{ID: ownerID, Email: "rep@example.com"})
	p := newPipeline(t, crm, pipeline.Options{})

	ctx := session.WithEmail(context.Background(), "REP@example.com")
	page, err := p.LeadsBatchActivities(ctx, timerange.AllTime, "", "")
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(page.Records) != 2 {
		t.Errorf("records = %d, want 2", len(page.Records))
	}

	_, err = p.LeadsBatchActivities(context.Background(), timerange.AllTime, "", "")
	if !errors.Is(err, pipeline.ErrNoOwner) {
		t.Errorf("without session: error = %v, want ErrNoOwner", err)
	}

	ctx = session.WithEmail(context.Background(), "nobody@example.com")
	_, err = p.LeadsBatchActivities(ctx, timerange.AllTime, "", "")
	if !errors.Is(err, hubspot.ErrOwnerNotFound) {
		t.Errorf("unknown email: error = %v, want ErrOwnerNotFound", err)
	}
}

func TestUnknownTimeRange(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	p := newPipeline(t, crm, pipeline.Options{})

	_, err := p.LeadsBatchActivities(context.Background(), "fortnightly", "", ownerID)
	if !errors.Is(err, timerange.ErrUnknownRange) {
		t.Errorf("error = %v, want ErrUnknownRange", err)
	}
	if n := len(crm.Calls()); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestCancellationAbortsInvocation(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	seedEngagements(crm, 3)
	crm.SetDelay(time.Second)
	p := newPipeline(t, crm, pipeline.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.LeadsBatchActivities(ctx, timerange.AllTime, "", ownerID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestUserBatchTasksExplicitBounds(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := range 4 {
		id := fmt.Sprintf("t%d", i)
		crm.AddObject("tasks", id, map[string]string{
			"hubspot_owner_id": ownerID,
			"hs_createdate":    strconv.FormatInt(day.AddDate(0, 0, i).UnixMilli(), 10),
			"hs_task_subject":  "Follow up " + id,
		})
	}
	crm.AddObject("contacts", "c1", map[string]string{"firstname": "Ada"})
	crm.AddObject("deals", "d1", map[string]string{"dealname": "Big one"})
	crm.Associate("tasks", "t1", "contacts", "c1")
	crm.Associate("tasks", "t1", "deals", "d1")
	crm.Associate("tasks", "t2", "deals", "d1")
	p := newPipeline(t, crm, pipeline.Options{})

	from := day.AddDate(0, 0, 1)
	to := day.AddDate(0, 0, 2)
	page, err := p.UserBatchTasks(context.Background(), timerange.Today, "", from, to, ownerID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}

	if got, want := recordIDs(page), []string{"t2", "t1"}; !slices.Equal(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	t1 := page.Records[1]
	if len(t1.ContactsData) != 1 || len(t1.DealsData) != 1 {
		t.Errorf("t1 contactsData=%d dealsData=%d, want 1 and 1", len(t1.ContactsData), len(t1.DealsData))
	}
	if got := t1.DealsData[0].Property("dealname"); got != "Big one" {
		t.Errorf("dealname = %q, want %q", got, "Big one")
	}
	if n := len(crm.CallsTo(dealRead)); n != 1 {
		t.Errorf("deal batch reads = %d, want 1", n)
	}
}

func TestOwnerDeals(t *testing.T) {
	crm := testhelpers.NewFakeCRM(t)
	crm.AddObject("deals", "d1", map[string]string{
		"hubspot_owner_id": ownerID,
		"createdate":       strconv.FormatInt(baseTime, 10),
		"dealname":         "Renewal",
	})
	crm.AddObject("contacts", "c1", map[string]string{"firstname": "Ada"})
	crm.Associate("deals", "d1", "contacts", "c1")
	p := newPipeline(t, crm, pipeline.Options{})

	page, err := p.OwnerDeals(context.Background(), timerange.AllTime, "", ownerID)
	if err != nil {
		t.Fatalf("deals: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(page.Records))
	}
	d := page.Records[0]
	if d.Properties["dealname"] == nil || *d.Properties["dealname"] != "Renewal" {
		t.Errorf("dealname = %v, want Renewal", d.Properties["dealname"])
	}
	if len(d.ContactsData) != 1 {
		t.Errorf("contactsData = %d, want 1", len(d.ContactsData))
	}
	if d.DealsData == nil || len(d.DealsData) != 0 {
		t.Errorf("dealsData = %#v, want empty", d.DealsData)
	}
	if n := len(crm.CallsTo(assocPath("deals", "deals"))); n != 0 {
		t.Errorf("deal feed read deal associations %d times", n)
	}
}

func TestPolicyMode(t *testing.T) {
	p := pipeline.DefaultPolicy()
	tests := []struct {
		stage pipeline.Stage
		want  pipeline.FailureMode
	}{
		{pipeline.StageSearch, pipeline.Fatal},
		{pipeline.StageHydrate, pipeline.Fatal},
		{pipeline.StageAssociate, pipeline.Degrade},
		{pipeline.StageJoin, pipeline.Fatal},
		{pipeline.Stage("unknown"), pipeline.Fatal},
	}
	for _, tt := range tests {
		if got := p.Mode(tt.stage); got != tt.want {
			t.Errorf("Mode(%s) = %s, want %s", tt.stage, got, tt.want)
		}
	}
}
