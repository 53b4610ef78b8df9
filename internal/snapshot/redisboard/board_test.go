package redisboard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/parksync/parksync/internal/snapshot"
)

type BoardSuite struct {
	suite.Suite
	mini  *miniredis.Miniredis
	board *Board
	ctx   context.Context
}

func TestBoardSuite(t *testing.T) {
	suite.Run(t, new(BoardSuite))
}

func (s *BoardSuite) SetupTest() {
	s.mini = miniredis.RunT(s.T())

	client := redis.NewClient(&redis.Options{
		Addr: s.mini.Addr(),
	})

	cfg := DefaultConfig()
	cfg.TTL = time.Minute

	s.board = NewWithClient(client, cfg)
	s.ctx = context.Background()
}

func (s *BoardSuite) TearDownTest() {
	if s.board != nil {
		_ = s.board.Close()
	}
	if s.mini != nil {
		s.mini.Close()
	}
}

func snap(tick, key uint64, seed string) snapshot.Snapshot {
	return snapshot.Snapshot{Tick: tick, OrderKey: key, CommandCount: 1, Fingerprint: snapshot.Sum([]byte(seed))}
}

func (s *BoardSuite) TestPublishAndCollect() {
	s.Require().NoError(s.board.Publish(s.ctx, "sess", "host", snap(20, 4, "a")))
	s.Require().NoError(s.board.Publish(s.ctx, "sess", "peer-2", snap(20, 4, "a")))

	entries, err := s.board.Collect(s.ctx, "sess", 20)
	s.Require().NoError(err)
	s.Len(entries, 2)
	s.Equal(uint64(4), entries["host"].OrderKey)
	s.Equal(snapshot.Sum([]byte("a")), entries["peer-2"].Fingerprint)

	s.True(s.mini.Exists(tickKey("sess", 20)))
	s.Equal(time.Minute, s.mini.TTL(tickKey("sess", 20)))
}

func (s *BoardSuite) TestTicksAscending() {
	for _, tick := range []uint64{40, 20, 60} {
		s.Require().NoError(s.board.Publish(s.ctx, "sess", "host", snap(tick, tick/20, "a")))
	}

	ticks, err := s.board.Ticks(s.ctx, "sess")
	s.Require().NoError(err)
	s.Equal([]uint64{20, 40, 60}, ticks)
}

func (s *BoardSuite) TestAuditConsistent() {
	s.Require().NoError(s.board.Publish(s.ctx, "sess", "host", snap(20, 4, "a")))
	s.Require().NoError(s.board.Publish(s.ctx, "sess", "p2", snap(20, 4, "a")))

	audit, err := s.board.Audit(s.ctx, "sess", 20)
	s.Require().NoError(err)
	s.True(audit.Consistent())
}

func (s *BoardSuite) TestAuditFindsMinority() {
	s.Require().NoError(s.board.Publish(s.ctx, "sess", "host", snap(20, 4, "a")))
	s.Require().NoError(s.board.Publish(s.ctx, "sess", "p2", snap(20, 4, "a")))
	s.Require().NoError(s.board.Publish(s.ctx, "sess", "p3", snap(20, 4, "b")))

	audit, err := s.board.Audit(s.ctx, "sess", 20)
	s.Require().NoError(err)
	s.False(audit.Consistent())
	s.Equal([]string{"p3"}, audit.Divergent)
}

func (s *BoardSuite) TestCollectEmptyTick() {
	entries, err := s.board.Collect(s.ctx, "sess", 99)
	s.Require().NoError(err)
	s.Empty(entries)
}
