package client

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/airheartdev/versync"
	"github.com/airheartdev/versync/memory"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
)

type ClientSuite struct {
	suite.Suite
	ctx     context.Context
	backend *memory.Backend
	engine  *versync.Engine
	server  *httptest.Server
	client  *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = memory.New()
	s.engine = versync.New(s.backend,
		versync.WithFeed(s.backend),
		versync.WithLogger(log.New(io.Discard, "", 0)),
		versync.WithAuth(func(ctx context.Context, token string) bool {
			return token == "secret"
		}),
		versync.WithSubscribeTiming(versync.SubscribeTiming{
			Heartbeat: 50 * time.Millisecond,
			MaxHold:   25 * time.Millisecond,
			Retry:     time.Second,
		}),
	)

	router := chi.NewRouter()
	router.Post(versync.DefaultPushEndpoint, s.engine.HandlePush())
	router.Post(versync.DefaultPullEndpoint, s.engine.HandlePull())
	router.Post(versync.DefaultBatchEndpoint, s.engine.HandleBatch())
	router.Get(versync.DefaultSubscribeWSEndpoint, s.engine.HandleSubscribeWS())
	s.server = httptest.NewServer(router)

	s.client = New(s.server.URL, WithToken("secret"), WithClientID("test-client"))
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
	s.backend.Close()
}

func (s *ClientSuite) TestPushFillsKeys() {
	items := []versync.PushItem{
		{Resource: "todos", Op: versync.KindCreate, ID: "t1", Data: versync.Row{"title": "one"}},
		{IdempotencyKey: "mine", Resource: "todos", Op: versync.KindCreate, ID: "t2"},
	}
	resp, err := s.client.Push(s.ctx, items)
	s.Require().NoError(err)
	s.Len(resp.Acks, 2)
	s.Empty(resp.Rejects)
	s.Equal(uint64(2), resp.ServerCursor)

	s.NotEmpty(items[0].IdempotencyKey, "generated keys are written back")
	s.Equal("mine", items[1].IdempotencyKey)

	again, err := s.client.Push(s.ctx, items)
	s.Require().NoError(err)
	s.Len(again.Acks, 2, "retrying with the same keys replays the acks")
	s.Equal(uint64(2), again.ServerCursor)
}

func (s *ClientSuite) TestPullAndBatch() {
	_, err := s.client.Push(s.ctx, []versync.PushItem{
		{Resource: "todos", Op: versync.KindCreate, ID: "t1", Data: versync.Row{"rank": 1}},
		{Resource: "todos", Op: versync.KindCreate, ID: "t2", Data: versync.Row{"rank": 2}},
	})
	s.Require().NoError(err)

	pull, err := s.client.Pull(s.ctx, 0, 1)
	s.Require().NoError(err)
	s.Len(pull.Changes, 1)
	s.True(pull.HasMore)

	results, err := s.client.Batch(s.ctx, []versync.Operation{
		{Query: &versync.QueryOp{
			Resource: "todos",
			OrderBy:  versync.Order{{Field: "rank", Direction: versync.Desc}},
		}},
	})
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Require().Len(results[0].Page.Rows, 2)
	s.Equal("t2", results[0].Page.Rows[0]["id"])
}

func (s *ClientSuite) TestErrors() {
	_, err := s.client.Pull(s.ctx, 0, -1)
	var werr *versync.Error
	s.Require().ErrorAs(err, &werr)
	s.Equal(versync.CodeInvalidQuery, werr.Code)
	s.Equal("limit", werr.Path)

	anonymous := New(s.server.URL)
	_, err = anonymous.Pull(s.ctx, 0, 0)
	s.True(IsStatus(err, http.StatusUnauthorized))
	s.Require().ErrorAs(err, &werr)
	s.Equal(versync.CodeUnauthorized, werr.Code)

	s.True(IsStatus(&StatusError{StatusCode: http.StatusBadGateway}, http.StatusBadGateway))
	s.False(IsStatus(&StatusError{StatusCode: http.StatusBadGateway}, http.StatusUnauthorized))
}

func (s *ClientSuite) TestSubscribe() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	frames := make(chan versync.Frame, 256)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Subscribe(ctx, 0, func(f versync.Frame) error {
			frames <- f
			return nil
		})
	}()

	first := <-frames
	s.Equal(versync.FrameRetry, first.Type)
	s.Equal(int64(1000), first.RetryMs)

	_, err := s.client.Push(s.ctx, []versync.PushItem{
		{Resource: "todos", Op: versync.KindCreate, ID: "t1"},
	})
	s.Require().NoError(err)

	for {
		select {
		case f := <-frames:
			if f.Type != versync.FrameChanges {
				continue
			}
			s.Equal(uint64(1), f.NextCursor)
			s.Require().Len(f.Changes, 1)
			s.Equal("t1", f.Changes[0].EntityID)
			cancel()
			s.NoError(<-done)
			return
		case err := <-done:
			s.FailNow("subscribe ended early", "%v", err)
		}
	}
}
