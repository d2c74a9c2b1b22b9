package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/johnwards/leadfeed/internal/domain"
)

// Feed describes one paginated, enriched view over a CRM object type.
type Feed struct {
	Name          string
	ObjectType    string
	OwnerProperty string
	TimeProperty  string
	PageSize      int
	// Properties are hydrated on every primary record.
	Properties []string
	// Exclusions are ANDed onto the owner and time filters.
	Exclusions   []domain.Filter
	Associations []domain.Category
	Joins        []Join
}

// Join hydrates the records of one association category and attaches them
// to the primary records.
type Join struct {
	Category   domain.Category
	Properties []string
}

var contactProperties = []string{
	"firstname", "lastname", "email", "phone", "company", "lifecyclestage", "hs_lead_status",
}

var dealProperties = []string{
	"dealname", "amount", "dealstage", "pipeline", "closedate",
}

// Engagements is the activity feed: calls, emails and notes, excluding tasks
// and meetings, with their contacts.
var Engagements = Feed{
	Name:          "engagements",
	ObjectType:    "engagements",
	OwnerProperty: "hubspot_owner_id",
	TimeProperty:  "hs_createdate",
	PageSize:      200,
	Properties: []string{
		"hs_engagement_type", "hs_createdate", "hs_timestamp", "hs_body_preview",
		"hs_activity_type", "hubspot_owner_id", "hs_lastmodifieddate",
	},
	Exclusions: []domain.Filter{
		{PropertyName: "hs_engagement_type", Operator: domain.OperatorNotIn, Values: []string{"TASK", "MEETING"}},
	},
	Associations: []domain.Category{domain.CategoryContacts, domain.CategoryCompanies, domain.CategoryDeals},
	Joins:        []Join{{Category: domain.CategoryContacts, Properties: contactProperties}},
}

// Tasks is the owner's task feed with contacts and deals.
var Tasks = Feed{
	Name:          "tasks",
	ObjectType:    "tasks",
	OwnerProperty: "hubspot_owner_id",
	TimeProperty:  "hs_createdate",
	PageSize:      100,
	Properties: []string{
		"hs_task_subject", "hs_task_body", "hs_task_status", "hs_task_priority",
		"hs_task_type", "hs_timestamp", "hs_createdate", "hubspot_owner_id",
	},
	Associations: []domain.Category{domain.CategoryContacts, domain.CategoryCompanies, domain.CategoryDeals},
	Joins: []Join{
		{Category: domain.CategoryContacts, Properties: contactProperties},
		{Category: domain.CategoryDeals, Properties: dealProperties},
	},
}

// Deals is the owner's deal feed with contacts.
var Deals = Feed{
	Name:          "deals",
	ObjectType:    "deals",
	OwnerProperty: "hubspot_owner_id",
	TimeProperty:  "createdate",
	PageSize:      100,
	Properties: []string{
		"dealname", "amount", "dealstage", "pipeline", "closedate",
		"createdate", "hubspot_owner_id", "hs_lastmodifieddate",
	},
	Associations: []domain.Category{domain.CategoryContacts, domain.CategoryCompanies},
	Joins:        []Join{{Category: domain.CategoryContacts, Properties: contactProperties}},
}

// Run executes feed f for q and returns one page. Stages run in sequence and
// each waits for all of its calls before the next begins. The returned
// page's Records is never nil.
func (p *Pipeline) Run(ctx context.Context, f Feed, q Query) (*domain.Page, error) {
	start := time.Now()
	log := p.logger.With("feed", f.Name)

	ownerID, err := p.resolveOwner(ctx, q.OwnerID)
	if err != nil {
		return nil, err
	}
	rng, err := p.ranges.Resolve(q.TimeRange, q.From, q.To)
	if err != nil {
		return nil, err
	}

	found, err := p.search(ctx, f, ownerID, rng, q.After)
	if err != nil {
		if err := p.fail(ctx, StageSearch, err, "feed", f.Name); err != nil {
			return nil, err
		}
	}
	log.Debug("search complete", "owner_id", ownerID, "total", found.total, "page", len(found.ids))
	if found.total == 0 || len(found.ids) == 0 {
		return &domain.Page{Records: []domain.EnrichedRecord{}}, nil
	}

	records, err := p.hydrate(ctx, f.ObjectType, found.ids, f.Properties)
	if err != nil {
		if err := p.fail(ctx, StageHydrate, err, "feed", f.Name); err != nil {
			return nil, err
		}
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	sets, err := p.associate(ctx, f.ObjectType, f.Associations, ids)
	if err != nil {
		return nil, err
	}

	joined := make(map[domain.Category]map[string][]*domain.Object, len(f.Joins))
	for _, j := range f.Joins {
		data, err := p.join(ctx, j, ids, sets)
		if err != nil {
			if err := p.fail(ctx, StageJoin, fmt.Errorf("join %s: %w", j.Category, err), "feed", f.Name); err != nil {
				return nil, err
			}
			continue
		}
		joined[j.Category] = data
	}

	page := &domain.Page{
		Records:   make([]domain.EnrichedRecord, 0, len(records)),
		NextAfter: found.after,
	}
	for _, r := range records {
		rec := domain.EnrichedRecord{
			ID:           r.ID,
			Properties:   r.Properties,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
			Associations: *sets[r.ID],
			ContactsData: nonNil(joined[domain.CategoryContacts][r.ID]),
			DealsData:    nonNil(joined[domain.CategoryDeals][r.ID]),
		}
		page.Records = append(page.Records, rec)
	}

	log.Debug("feed complete",
		"records", len(page.Records),
		"next_after", page.NextAfter,
		"duration", time.Since(start),
	)
	return page, nil
}

func nonNil(objs []*domain.Object) []*domain.Object {
	if objs == nil {
		return []*domain.Object{}
	}
	return objs
}
