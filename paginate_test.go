package versync_test

import (
	"context"
	"testing"
	"time"

	"github.com/airheartdev/versync"
	"github.com/airheartdev/versync/memory"
	"github.com/stretchr/testify/suite"
)

type PageSuite struct {
	suite.Suite
	ctx     context.Context
	backend *memory.Backend
	engine  *versync.Engine
}

func TestPageSuite(t *testing.T) {
	suite.Run(t, new(PageSuite))
}

// byNewest is createdAt desc with the id tie-breaker spelled out.
var byNewest = versync.Order{
	{Field: "createdAt", Direction: versync.Desc},
	{Field: "id", Direction: versync.Asc},
}

func (s *PageSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = memory.New()
	s.engine = versync.New(s.backend, versync.WithLogger(quietLogger()))

	// Canonical order under byNewest: p1, p2, p3, p4, p5.
	seed := []versync.Row{
		{"id": "p4", "createdAt": int64(200), "title": "four"},
		{"id": "p1", "createdAt": int64(300), "title": "one"},
		{"id": "p5", "createdAt": int64(100), "title": "five"},
		{"id": "p3", "createdAt": int64(200), "title": "three"},
		{"id": "p2", "createdAt": int64(300), "title": "two"},
	}
	for _, row := range seed {
		id, _ := versync.RowID(row, "id")
		_, err := s.engine.Write(s.ctx, "posts", versync.Create{ID: id, Data: row}, versync.WriteRequest{})
		s.Require().NoError(err)
	}
}

func (s *PageSuite) TearDownTest() {
	s.backend.Close()
}

func ids(rows []versync.Row) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i], _ = versync.RowID(row, "id")
	}
	return out
}

func (s *PageSuite) query(page versync.PageRequest) *versync.Page {
	p, err := s.engine.Query(s.ctx, versync.Query{Resource: "posts", Order: byNewest, Page: page})
	s.Require().NoError(err)
	return p
}

func (s *PageSuite) TestAfterAndBefore() {
	first := s.query(versync.PageRequest{Limit: 2})
	s.Equal([]string{"p1", "p2"}, ids(first.Rows))
	s.True(first.PageInfo.HasNext)
	s.Equal(first.PageInfo.EndCursor, first.PageInfo.NextCursor)

	second := s.query(versync.PageRequest{Limit: 2, After: first.PageInfo.NextCursor})
	s.Equal([]string{"p3", "p4"}, ids(second.Rows))
	s.True(second.PageInfo.HasNext)

	back := s.query(versync.PageRequest{Limit: 2, Before: second.PageInfo.StartCursor})
	s.Equal([]string{"p1", "p2"}, ids(back.Rows))
	s.False(back.PageInfo.HasNext)
	s.Empty(back.PageInfo.NextCursor)

	last := s.query(versync.PageRequest{Limit: 2, After: second.PageInfo.NextCursor})
	s.Equal([]string{"p5"}, ids(last.Rows))
	s.False(last.PageInfo.HasNext)
	s.Empty(last.PageInfo.NextCursor)
}

func (s *PageSuite) TestBeforeNextCursorWalksBackward() {
	end := s.query(versync.PageRequest{Limit: 5})
	s.Require().Len(end.Rows, 5)

	page := s.query(versync.PageRequest{Limit: 2, Before: end.PageInfo.EndCursor})
	s.Equal([]string{"p3", "p4"}, ids(page.Rows))
	s.True(page.PageInfo.HasNext)
	s.Equal(page.PageInfo.StartCursor, page.PageInfo.NextCursor)

	page = s.query(versync.PageRequest{Limit: 2, Before: page.PageInfo.NextCursor})
	s.Equal([]string{"p1", "p2"}, ids(page.Rows))
	s.False(page.PageInfo.HasNext)
}

func (s *PageSuite) TestCursorWalkIsComplete() {
	for _, limit := range []int{1, 2, 3, 4, 5, 6} {
		var (
			seen  []string
			after string
		)
		for {
			page := s.query(versync.PageRequest{Limit: limit, After: after})
			seen = append(seen, ids(page.Rows)...)
			if !page.PageInfo.HasNext {
				break
			}
			after = page.PageInfo.NextCursor
		}
		s.Equal([]string{"p1", "p2", "p3", "p4", "p5"}, seen, "limit %d", limit)
	}
}

func (s *PageSuite) TestOffsetWithTotal() {
	page := s.query(versync.PageRequest{Limit: 2, Offset: 2, WithTotal: true})
	s.Equal([]string{"p3", "p4"}, ids(page.Rows))
	s.Require().NotNil(page.PageInfo.Total)
	s.Equal(5, *page.PageInfo.Total)
	s.True(page.PageInfo.HasNext)

	page = s.query(versync.PageRequest{Limit: 2, Offset: 4, WithTotal: true})
	s.Equal([]string{"p5"}, ids(page.Rows))
	s.False(page.PageInfo.HasNext)

	page = s.query(versync.PageRequest{Limit: 2, Offset: 10})
	s.Empty(page.Rows)
	s.NotNil(page.Rows)
	s.Empty(page.PageInfo.StartCursor)
}

func (s *PageSuite) TestSelectDropsOrderingFields() {
	page, err := s.engine.Query(s.ctx, versync.Query{
		Resource: "posts",
		Order:    byNewest,
		Select:   []string{"title"},
		Page:     versync.PageRequest{Limit: 2},
	})
	s.Require().NoError(err)
	s.Equal([]versync.Row{{"title": "one"}, {"title": "two"}}, page.Rows)

	next, err := s.engine.Query(s.ctx, versync.Query{
		Resource: "posts",
		Order:    byNewest,
		Select:   []string{"title"},
		Page:     versync.PageRequest{Limit: 2, After: page.PageInfo.NextCursor},
	})
	s.Require().NoError(err)
	s.Equal([]versync.Row{{"title": "three"}, {"title": "four"}}, next.Rows)
}

func (s *PageSuite) TestFilteredPages() {
	page, err := s.engine.Query(s.ctx, versync.Query{
		Resource: "posts",
		Filter:   versync.Cmp{Field: "createdAt", Op: versync.OpLte, Value: int64(200)},
		Order:    byNewest,
		Page:     versync.PageRequest{Limit: 1},
	})
	s.Require().NoError(err)
	s.Equal([]string{"p3"}, ids(page.Rows))

	page, err = s.engine.Query(s.ctx, versync.Query{
		Resource: "posts",
		Filter:   versync.Cmp{Field: "createdAt", Op: versync.OpLte, Value: int64(200)},
		Order:    byNewest,
		Page:     versync.PageRequest{Limit: 5, After: page.PageInfo.NextCursor},
	})
	s.Require().NoError(err)
	s.Equal([]string{"p4", "p5"}, ids(page.Rows))
}

func (s *PageSuite) TestDefaultOrderIsID() {
	p, err := s.engine.Query(s.ctx, versync.Query{Resource: "posts"})
	s.Require().NoError(err)
	s.Equal([]string{"p1", "p2", "p3", "p4", "p5"}, ids(p.Rows))
}

func (s *PageSuite) TestLimitClamp() {
	engine := versync.New(s.backend, versync.WithLogger(quietLogger()), versync.WithPageLimits(2, 3))

	p, err := engine.Query(s.ctx, versync.Query{Resource: "posts"})
	s.Require().NoError(err)
	s.Len(p.Rows, 2)

	p, err = engine.Query(s.ctx, versync.Query{Resource: "posts", Page: versync.PageRequest{Limit: 100}})
	s.Require().NoError(err)
	s.Len(p.Rows, 3)
}

func (s *PageSuite) TestTimeOrderedWalk() {
	base := time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.UTC)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.engine.Write(s.ctx, "events", versync.Create{ID: id, Data: versync.Row{
			"createdAt": base.Add(time.Duration(i) * time.Hour),
		}}, versync.WriteRequest{})
		s.Require().NoError(err)
	}

	order := versync.Order{{Field: "createdAt", Direction: versync.Desc}}
	var (
		seen  []string
		after string
		last  *versync.Page
	)
	for pages := 0; pages < 10; pages++ {
		p, err := s.engine.Query(s.ctx, versync.Query{
			Resource: "events",
			Order:    order,
			Page:     versync.PageRequest{Limit: 2, After: after},
		})
		s.Require().NoError(err)
		seen = append(seen, ids(p.Rows)...)
		last = p
		if !p.PageInfo.HasNext {
			break
		}
		after = p.PageInfo.NextCursor
	}
	s.Equal([]string{"e", "d", "c", "b", "a"}, seen)

	back, err := s.engine.Query(s.ctx, versync.Query{
		Resource: "events",
		Order:    order,
		Page:     versync.PageRequest{Limit: 2, Before: last.PageInfo.StartCursor},
	})
	s.Require().NoError(err)
	s.Equal([]string{"c", "b"}, ids(back.Rows))
}

func (s *PageSuite) TestInvalidRequests() {
	first := s.query(versync.PageRequest{Limit: 2})

	cases := []struct {
		name string
		q    versync.Query
		path string
	}{
		{"after and before", versync.Query{Resource: "posts", Order: byNewest, Page: versync.PageRequest{After: first.PageInfo.EndCursor, Before: first.PageInfo.EndCursor}}, "before"},
		{"offset with cursor", versync.Query{Resource: "posts", Order: byNewest, Page: versync.PageRequest{Offset: 1, After: first.PageInfo.EndCursor}}, "offset"},
		{"negative limit", versync.Query{Resource: "posts", Page: versync.PageRequest{Limit: -1}}, "limit"},
		{"garbage cursor", versync.Query{Resource: "posts", Order: byNewest, Page: versync.PageRequest{After: "!!!"}}, "after"},
		{"cursor for another ordering", versync.Query{Resource: "posts", Page: versync.PageRequest{Before: first.PageInfo.EndCursor}}, "before"},
		{"bad direction", versync.Query{Resource: "posts", Order: versync.Order{{Field: "title", Direction: "sideways"}}}, "orderBy[0].direction"},
		{"missing resource", versync.Query{}, "resource"},
	}
	for _, tc := range cases {
		_, err := s.engine.Query(s.ctx, tc.q)
		var werr *versync.Error
		if s.ErrorAs(err, &werr, tc.name) {
			s.Equal(versync.CodeInvalidQuery, werr.Code, tc.name)
			s.Equal(tc.path, werr.Path, tc.name)
		}
	}
}
