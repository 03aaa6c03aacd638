package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/qshield/pkg/models"
)

type nopSink struct{}

func (nopSink) Send([]byte) error { return nil }

// RegistrySuite is a test suite for Registry operations.
type RegistrySuite struct {
	suite.Suite
	reg *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.reg = New()
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

// TestJoinIdempotent tests that a repeated join leaves the registry unchanged.
func (s *RegistrySuite) TestJoinIdempotent() {
	_, err := s.reg.Join("s1", "c1", models.RoleReceiver, nopSink{})
	s.Require().NoError(err)
	once := s.reg.Connections("s1")

	res, err := s.reg.Join("s1", "c1", models.RoleReceiver, nil)
	s.Require().NoError(err)
	s.False(res.Removed)

	twice := s.reg.Connections("s1")
	s.Require().Len(twice, 1)
	s.Equal(once[0].ID, twice[0].ID)
	s.Equal(once[0].Role, twice[0].Role)
	s.Equal(once[0].JoinedAt, twice[0].JoinedAt)
	s.NotNil(twice[0].Sink, "sink must survive a join without one")
	s.Equal(1, s.reg.Count("s1"))
}

// TestJoinInvalidRole tests role validation.
func (s *RegistrySuite) TestJoinInvalidRole() {
	_, err := s.reg.Join("s1", "c1", models.Role("admin"), nil)
	s.ErrorIs(err, ErrInvalidRole)
	s.Equal(0, s.reg.Count("s1"))
}

// TestMultipleConnectionsPerRole tests that several tabs can share a role.
func (s *RegistrySuite) TestMultipleConnectionsPerRole() {
	_, _ = s.reg.Join("s1", "tab-1", models.RoleReceiver, nopSink{})
	_, _ = s.reg.Join("s1", "tab-2", models.RoleReceiver, nopSink{})
	_, _ = s.reg.Join("s1", "patient", models.RoleSender, nopSink{})

	receivers := s.reg.ConnectionsForRole("s1", models.RoleReceiver)
	s.Len(receivers, 2)
	s.Len(s.reg.ConnectionsForRole("s1", models.RoleSender), 1)
	s.Empty(s.reg.ConnectionsForRole("s1", models.RoleEavesdropper))

	counts := s.reg.RoleCounts("s1")
	s.Equal(2, counts[models.RoleReceiver])
	s.Equal(1, counts[models.RoleSender])
	s.Equal(0, counts[models.RoleEavesdropper])
}

// TestLeave tests role vacancy and session-empty signalling.
func (s *RegistrySuite) TestLeave() {
	var vacated []models.Role
	var emptied []string
	s.reg.SetOnRoleVacated(func(_ string, role models.Role) { vacated = append(vacated, role) })
	s.reg.SetOnSessionEmpty(func(id string) { emptied = append(emptied, id) })

	_, _ = s.reg.Join("s1", "tab-1", models.RoleReceiver, nopSink{})
	_, _ = s.reg.Join("s1", "tab-2", models.RoleReceiver, nopSink{})

	res := s.reg.Leave("s1", "tab-1")
	s.True(res.Removed)
	s.False(res.RoleVacated)
	s.False(res.SessionEmpty)

	res = s.reg.Leave("s1", "tab-2")
	s.True(res.RoleVacated)
	s.True(res.SessionEmpty)
	s.Equal(models.RoleReceiver, res.Role)

	s.Equal([]models.Role{models.RoleReceiver}, vacated)
	s.Equal([]string{"s1"}, emptied)
}

// TestLeaveUnknownIsNoop tests duplicate teardown from reconnect races.
func (s *RegistrySuite) TestLeaveUnknownIsNoop() {
	s.Equal(LeaveResult{}, s.reg.Leave("nope", "c1"))

	_, _ = s.reg.Join("s1", "c1", models.RoleSender, nil)
	s.True(s.reg.Leave("s1", "c1").Removed)
	s.Equal(LeaveResult{}, s.reg.Leave("s1", "c1"))
}

// TestJoinRoleSwitch tests moving a connection to another role.
func (s *RegistrySuite) TestJoinRoleSwitch() {
	var vacated []models.Role
	s.reg.SetOnRoleVacated(func(_ string, role models.Role) { vacated = append(vacated, role) })

	_, _ = s.reg.Join("s1", "c1", models.RoleSender, nopSink{})
	res, err := s.reg.Join("s1", "c1", models.RoleEavesdropper, nil)
	s.Require().NoError(err)
	s.True(res.RoleVacated)
	s.Equal(models.RoleSender, res.Role)

	c, ok := s.reg.Lookup("s1", "c1")
	s.True(ok)
	s.Equal(models.RoleEavesdropper, c.Role)
	s.NotNil(c.Sink)
	s.Equal([]models.Role{models.RoleSender}, vacated)
}

// TestTouchAndStale tests heartbeat bookkeeping.
func (s *RegistrySuite) TestTouchAndStale() {
	base := time.Now()
	clock := base
	s.reg.now = func() time.Time { return clock }

	_, _ = s.reg.Join("s1", "c1", models.RoleSender, nil)
	_, _ = s.reg.Join("s2", "c2", models.RoleReceiver, nil)

	clock = base.Add(time.Minute)
	s.True(s.reg.Touch("s1", "c1"))
	s.False(s.reg.Touch("s1", "missing"))

	stale := s.reg.Stale(base.Add(30 * time.Second))
	s.Require().Len(stale, 1)
	s.Equal("c2", stale[0].ID)
}

// TestSessionsIsolated tests that rosters do not leak across sessions.
func (s *RegistrySuite) TestSessionsIsolated() {
	_, _ = s.reg.Join("s1", "c1", models.RoleSender, nil)
	_, _ = s.reg.Join("s2", "c1", models.RoleReceiver, nil)

	s.Len(s.reg.ConnectionsForRole("s1", models.RoleSender), 1)
	s.Empty(s.reg.ConnectionsForRole("s1", models.RoleReceiver))

	s.reg.DropSession("s1")
	s.Equal(0, s.reg.Count("s1"))
	s.Equal(1, s.reg.Count("s2"))
}

// TestConcurrentJoinLeave tests registry consistency under concurrent churn.
func TestConcurrentJoinLeave(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			_, err := reg.Join("s1", id, models.RoleReceiver, nil)
			assert.NoError(t, err)
			if i%2 == 0 {
				reg.Leave("s1", id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, reg.Count("s1"))
	assert.Len(t, reg.ConnectionsForRole("s1", models.RoleReceiver), 25)
}
