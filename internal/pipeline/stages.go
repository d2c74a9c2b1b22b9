package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/johnwards/leadfeed/internal/chunk"
	"github.com/johnwards/leadfeed/internal/domain"
	"github.com/johnwards/leadfeed/internal/limiter"
	"github.com/johnwards/leadfeed/internal/timerange"
)

// searchPage is the outcome of the search stage.
type searchPage struct {
	ids   []string
	total int
	after string
}

func (p *Pipeline) search(ctx context.Context, f Feed, ownerID string, rng timerange.Range, after string) (searchPage, error) {
	filters := []domain.Filter{
		{PropertyName: f.OwnerProperty, Operator: domain.OperatorEQ, Value: ownerID},
		{PropertyName: f.TimeProperty, Operator: domain.OperatorBetween, Value: rng.StartMillis(), HighValue: rng.EndMillis()},
	}
	filters = append(filters, f.Exclusions...)

	req := &domain.SearchRequest{
		FilterGroups: []domain.FilterGroup{{Filters: filters}},
		Sorts:        []domain.Sort{{PropertyName: f.TimeProperty, Direction: domain.SortDescending}},
		Properties:   []string{"hs_object_id"},
		Limit:        f.PageSize,
		After:        after,
	}

	res, err := limiter.Run(ctx, p.limiter, func(ctx context.Context) (*domain.SearchResult, error) {
		return p.crm.Search(ctx, f.ObjectType, req)
	})
	if err != nil {
		return searchPage{}, fmt.Errorf("search %s: %w", f.ObjectType, err)
	}

	page := searchPage{total: res.Total, after: res.NextAfter()}
	page.ids = make([]string, 0, len(res.Results))
	for _, obj := range res.Results {
		if obj != nil && obj.ID != "" {
			page.ids = append(page.ids, obj.ID)
		}
	}
	return page, nil
}

// hydrate batch-reads ids in chunks and returns the objects in the order of
// ids. IDs the CRM cannot resolve are omitted. Any chunk failure fails the
// whole call.
func (p *Pipeline) hydrate(ctx context.Context, objectType string, ids, properties []string) ([]*domain.Object, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	chunks := chunk.Split(ids, p.batchSize)
	results := make([][]*domain.Object, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		g.Go(func() error {
			objs, err := limiter.Run(gctx, p.limiter, func(ctx context.Context) ([]*domain.Object, error) {
				return p.crm.BatchRead(ctx, objectType, c, properties)
			})
			if err != nil {
				return fmt.Errorf("batch read %s chunk %d/%d: %w", objectType, i+1, len(chunks), err)
			}
			results[i] = inInputOrder(c, objs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*domain.Object, 0, len(ids))
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// inInputOrder reorders objs to follow ids.
func inInputOrder(ids []string, objs []*domain.Object) []*domain.Object {
	byID := make(map[string]*domain.Object, len(objs))
	for _, o := range objs {
		if o != nil {
			byID[o.ID] = o
		}
	}
	out := make([]*domain.Object, 0, len(objs))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
			delete(byID, id)
		}
	}
	return out
}

// associate resolves the given categories for every id. Every id gets an
// AssociationSet before any call is made, so a failed category leaves empty
// arrays rather than a missing set.
func (p *Pipeline) associate(ctx context.Context, fromType string, categories []domain.Category, ids []string) (map[string]*domain.AssociationSet, error) {
	sets := make(map[string]*domain.AssociationSet, len(ids))
	for _, id := range ids {
		s := domain.NewAssociationSet()
		sets[id] = &s
	}
	if len(ids) == 0 || len(categories) == 0 {
		return sets, nil
	}

	// Each category worker fills its own map; they are merged after fan-in.
	found := make([]map[string][]domain.RecordStub, len(categories))
	errs := make([]error, len(categories))
	var wg sync.WaitGroup
	for i, cat := range categories {
		wg.Go(func() {
			found[i], errs[i] = p.readAssociations(ctx, fromType, cat, ids)
		})
	}
	wg.Wait()

	for i, cat := range categories {
		if errs[i] != nil {
			if err := p.fail(ctx, StageAssociate, errs[i], "from", fromType, "category", string(cat)); err != nil {
				return nil, err
			}
			continue
		}
		for id, stubs := range found[i] {
			if s, ok := sets[id]; ok {
				s.Set(cat, uniqueStubs(stubs))
			}
		}
	}
	return sets, nil
}

// readAssociations reads one category for all ids, chunked. A failure of any
// chunk fails the category.
func (p *Pipeline) readAssociations(ctx context.Context, fromType string, cat domain.Category, ids []string) (map[string][]domain.RecordStub, error) {
	chunks := chunk.Split(ids, p.assocSize)
	parts := make([]map[string][]domain.RecordStub, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		g.Go(func() error {
			m, err := limiter.Run(gctx, p.limiter, func(ctx context.Context) (map[string][]domain.RecordStub, error) {
				return p.crm.BatchReadAssociations(ctx, fromType, string(cat), c)
			})
			if err != nil {
				return fmt.Errorf("read %s associations of %s: %w", cat, fromType, err)
			}
			parts[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]domain.RecordStub)
	for _, m := range parts {
		for id, stubs := range m {
			out[id] = append(out[id], stubs...)
		}
	}
	return out, nil
}

// uniqueStubs drops repeated IDs, keeping the first occurrence.
func uniqueStubs(stubs []domain.RecordStub) []domain.RecordStub {
	seen := make(map[string]struct{}, len(stubs))
	out := make([]domain.RecordStub, 0, len(stubs))
	for _, s := range stubs {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// join hydrates every record referenced through j.Category exactly once and
// returns, per primary record ID, the resolved objects in association order.
// References that do not resolve are dropped.
func (p *Pipeline) join(ctx context.Context, j Join, order []string, sets map[string]*domain.AssociationSet) (map[string][]*domain.Object, error) {
	var unique []string
	seen := make(map[string]struct{})
	for _, id := range order {
		for _, stub := range sets[id].Get(j.Category) {
			if _, ok := seen[stub.ID]; ok {
				continue
			}
			seen[stub.ID] = struct{}{}
			unique = append(unique, stub.ID)
		}
	}

	objs, err := p.hydrate(ctx, string(j.Category), unique, j.Properties)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Object, len(objs))
	for _, o := range objs {
		byID[o.ID] = o
	}

	out := make(map[string][]*domain.Object, len(order))
	dropped := 0
	for _, id := range order {
		stubs := sets[id].Get(j.Category)
		data := make([]*domain.Object, 0, len(stubs))
		for _, stub := range stubs {
			if o, ok := byID[stub.ID]; ok {
				data = append(data, o)
			} else {
				dropped++
			}
		}
		out[id] = data
	}

	p.logger.Debug("join complete",
		"category", string(j.Category),
		"unique", len(unique),
		"resolved", len(byID),
		"dropped_refs", dropped,
	)
	return out, nil
}
