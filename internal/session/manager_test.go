package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/registry"
	"github.com/thebtf/qshield/pkg/models"
)

type closedStreams struct {
	mu  sync.Mutex
	ids []string
}

func (c *closedStreams) CloseSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *closedStreams) Closed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type nopSink struct{}

func (nopSink) Send([]byte) error { return nil }

// ManagerSuite is a test suite for Manager operations.
type ManagerSuite struct {
	suite.Suite
	store   *channel.Store
	reg     *registry.Registry
	streams *closedStreams
	manager *Manager
}

func (s *ManagerSuite) SetupTest() {
	s.store = channel.NewStore(nil)
	s.reg = registry.New()
	s.streams = &closedStreams{}
	s.manager = NewManager(s.store, s.reg, s.streams, Options{
		IdleTimeout:       50 * time.Millisecond,
		ConnectionTimeout: time.Minute,
		ReapInterval:      time.Hour,
	})
}

func (s *ManagerSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.manager.ShutdownAll(ctx)
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) join(session, conn string) {
	s.manager.Acquire(session)
	_, err := s.reg.Join(session, conn, models.RoleReceiver, nopSink{})
	s.Require().NoError(err)
}

// TestAcquireCreatesOnce tests creation on first join.
func (s *ManagerSuite) TestAcquireCreatesOnce() {
	var created []string
	s.manager.SetOnSessionCreated(func(id string) { created = append(created, id) })

	s.True(s.manager.Acquire("s1"))
	s.False(s.manager.Acquire("s1"))

	s.True(s.store.Exists("s1"))
	s.Equal([]string{"s1"}, created)
	s.Equal(1, s.manager.GetActiveSessionCount())
}

// TestIdleTeardown tests destruction after the last actor leaves.
func (s *ManagerSuite) TestIdleTeardown() {
	deleted := make(chan string, 1)
	s.manager.SetOnSessionDeleted(func(id string) { deleted <- id })

	s.join("s1", "c1")
	s.reg.Leave("s1", "c1")

	select {
	case id := <-deleted:
		s.Equal("s1", id)
	case <-time.After(2 * time.Second):
		s.Fail("session not destroyed")
	}
	s.False(s.store.Exists("s1"))
	s.False(s.manager.Exists("s1"))
	s.Equal([]string{"s1"}, s.streams.Closed())
}

// TestRejoinCancelsTeardown tests that a rejoin within the idle window keeps history.
func (s *ManagerSuite) TestRejoinCancelsTeardown() {
	s.join("s1", "c1")
	_, err := s.store.ApplyUpdate("s1", channel.Patch{QBER: channel.Ptr(4.0)})
	s.Require().NoError(err)

	s.reg.Leave("s1", "c1")
	s.join("s1", "c2")

	time.Sleep(150 * time.Millisecond)
	s.True(s.manager.Exists("s1"))
	snap, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Equal(4.0, snap.Channel.QBER)
}

// TestStaleExpireKeepsReacquiredSession tests that an idle timer armed before
// a rejoin cannot tear the session down afterwards.
func (s *ManagerSuite) TestStaleExpireKeepsReacquiredSession() {
	s.join("s1", "c1")
	_, err := s.store.ApplyUpdate("s1", channel.Patch{QBER: channel.Ptr(6.0)})
	s.Require().NoError(err)

	s.manager.mu.Lock()
	armedGen := s.manager.sessions["s1"].gen
	s.manager.mu.Unlock()

	s.reg.Leave("s1", "c1")
	s.manager.Acquire("s1")

	s.manager.expire("s1", armedGen)

	s.True(s.manager.Exists("s1"))
	s.True(s.store.Exists("s1"))
	snap, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Equal(6.0, snap.Channel.QBER)
	s.Empty(s.streams.Closed())
}

// TestExpireThenAcquireStartsFresh tests that a join racing an expiry sees a
// usable session either way.
func (s *ManagerSuite) TestExpireThenAcquireStartsFresh() {
	for i := 0; i < 50; i++ {
		s.manager.Acquire("s1")
		s.manager.mu.Lock()
		gen := s.manager.sessions["s1"].gen
		s.manager.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.manager.expire("s1", gen)
		}()
		go func() {
			defer wg.Done()
			s.manager.Acquire("s1")
		}()
		wg.Wait()

		s.Equal(s.manager.Exists("s1"), s.store.Exists("s1"))
		s.manager.DeleteSession("s1")
	}
}

// TestReleaseWithConnectionsIsNoop tests that a non-empty session is kept.
func (s *ManagerSuite) TestReleaseWithConnectionsIsNoop() {
	s.join("s1", "c1")
	s.manager.Release("s1")
	time.Sleep(120 * time.Millisecond)
	s.True(s.manager.Exists("s1"))
}

// TestDeleteSession tests explicit deletion.
func (s *ManagerSuite) TestDeleteSession() {
	var deletedID string
	s.manager.SetOnSessionDeleted(func(id string) { deletedID = id })

	s.join("s1", "c1")
	s.manager.DeleteSession("s1")

	s.Equal("s1", deletedID)
	s.Equal(0, s.reg.Count("s1"))
	s.False(s.store.Exists("s1"))

	// Double delete should be safe
	s.manager.DeleteSession("s1")
}

// TestReapStale tests removal of silent connections.
func (s *ManagerSuite) TestReapStale() {
	var reaped []string
	s.manager.SetReaper(func(_ context.Context, sessionID, connectionID string) {
		reaped = append(reaped, sessionID+"/"+connectionID)
		s.reg.Leave(sessionID, connectionID)
	})

	s.join("s1", "c1")
	s.Equal(0, s.manager.ReapStale())

	s.manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	s.Equal(1, s.manager.ReapStale())
	s.Equal([]string{"s1/c1"}, reaped)
	s.Equal(0, s.reg.Count("s1"))
}

// TestGetAllSessions tests listing.
func (s *ManagerSuite) TestGetAllSessions() {
	s.Empty(s.manager.GetAllSessions())

	s.manager.Acquire("b")
	s.manager.Acquire("a")

	all := s.manager.GetAllSessions()
	s.Len(all, 2)
}

// TestShutdownAll tests full teardown.
func (s *ManagerSuite) TestShutdownAll() {
	s.manager.Start()
	s.join("s1", "c1")
	s.join("s2", "c2")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.manager.ShutdownAll(ctx)

	s.Equal(0, s.manager.GetActiveSessionCount())
	s.False(s.store.Exists("s1"))
	s.False(s.store.Exists("s2"))
	assert.ElementsMatch(s.T(), []string{"s1", "s2"}, s.streams.Closed())
}
