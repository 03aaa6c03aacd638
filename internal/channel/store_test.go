package channel

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/qshield/pkg/models"
)

// recordingPublisher captures published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ string, ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Event, len(p.events))
	copy(out, p.events)
	return out
}

// StoreSuite is a test suite for Store operations.
type StoreSuite struct {
	suite.Suite
	pub   *recordingPublisher
	store *Store
}

func (s *StoreSuite) SetupTest() {
	s.pub = &recordingPublisher{}
	s.store = NewStore(s.pub)
	_, created := s.store.Create("s1")
	s.Require().True(created)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func testQuantumData() *models.QuantumData {
	return &models.QuantumData{
		SenderBits:  []int{1, 0, 1},
		SenderBases: []string{"Z", "X", "Z"},
		SiftedKey:   []int{1, 1},
	}
}

// TestCreate tests session creation and idempotence.
func (s *StoreSuite) TestCreate() {
	snap, created := s.store.Create("s1")
	s.False(created)
	s.Equal("s1", snap.SessionID)
	s.Equal(models.KeyStatusNone, snap.Channel.KeyStatus)
	s.Equal(uint64(0), snap.Version)
	s.True(s.store.Exists("s1"))
}

// TestUnknownSession tests reads and writes on an untracked session.
func (s *StoreSuite) TestUnknownSession() {
	_, err := s.store.GetSnapshot("missing")
	s.ErrorIs(err, ErrUnknownSession)

	_, err = s.store.ApplyUpdate("missing", Patch{QBER: Ptr(1.0)})
	s.ErrorIs(err, ErrUnknownSession)
}

// TestApplyUpdateMerge tests that nil fields are left untouched.
func (s *StoreSuite) TestApplyUpdateMerge() {
	_, err := s.store.ApplyUpdate("s1", Patch{QBER: Ptr(3.0), EveActive: Ptr(true)})
	s.Require().NoError(err)

	snap, err := s.store.ApplyUpdate("s1", Patch{EveStrategy: Ptr(models.StrategyZOnly)})
	s.Require().NoError(err)

	s.Equal(3.0, snap.Channel.QBER)
	s.True(snap.Channel.EveActive)
	s.Equal(models.StrategyZOnly, snap.Channel.EveStrategy)
	s.Equal(uint64(2), snap.Version)
}

// TestApplyUpdateInvariant tests that success without quantum data is rejected whole.
func (s *StoreSuite) TestApplyUpdateInvariant() {
	_, err := s.store.ApplyUpdate("s1", Patch{
		KeyStatus: Ptr(models.KeyStatusSuccess),
		QBER:      Ptr(2.0),
	})
	s.ErrorIs(err, ErrInvariant)

	snap, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Equal(models.KeyStatusNone, snap.Channel.KeyStatus)
	s.Equal(0.0, snap.Channel.QBER)
	s.Equal(uint64(0), snap.Version)
}

// TestResetKeyKeepsInvariant tests that clearing quantum data on a successful key is rejected.
func (s *StoreSuite) TestResetKeyKeepsInvariant() {
	_, err := s.store.ApplyUpdate("s1", Patch{
		KeyStatus:   Ptr(models.KeyStatusSuccess),
		QuantumData: testQuantumData(),
		Key:         []byte{1, 2, 3},
	})
	s.Require().NoError(err)

	_, err = s.store.ApplyUpdate("s1", Patch{ResetKey: true})
	s.ErrorIs(err, ErrInvariant)

	snap, err := s.store.ApplyUpdate("s1", Patch{ResetKey: true, KeyStatus: Ptr(models.KeyStatusGenerating)})
	s.Require().NoError(err)
	s.Nil(snap.Channel.QuantumData)
	s.Nil(snap.Channel.Key)
}

// TestApplyUpdateQBERRange tests QBER validation.
func (s *StoreSuite) TestApplyUpdateQBERRange() {
	_, err := s.store.ApplyUpdate("s1", Patch{QBER: Ptr(4.0)})
	s.Require().NoError(err)

	for _, q := range []float64{-0.1, 100.1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := s.store.ApplyUpdate("s1", Patch{QBER: Ptr(q)})
		s.ErrorIs(err, ErrInvalidPatch, "qber %v", q)
	}
	snap, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Equal(4.0, snap.Channel.QBER)

	_, err = s.store.ApplyUpdate("s1", Patch{QBER: Ptr(100.0)})
	s.NoError(err)
	_, err = s.store.ApplyUpdate("s1", Patch{KeyStatus: Ptr(models.KeyStatus("bogus"))})
	s.ErrorIs(err, ErrInvalidPatch)
}

// TestSnapshotImmutable tests that later commits do not alter earlier snapshots.
func (s *StoreSuite) TestSnapshotImmutable() {
	_, err := s.store.Update("s1", func(tx *Tx) error {
		tx.AppendTransmission(models.Transmission{ID: "tx_1", Status: models.TransmissionTransmitted})
		return nil
	})
	s.Require().NoError(err)

	before, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)

	_, err = s.store.Update("s1", func(tx *Tx) error {
		_, err := tx.TransitionTransmission("tx_1", models.TransmissionBlocked, "compromised channel")
		if err != nil {
			return err
		}
		tx.AppendTransmission(models.Transmission{ID: "tx_2", Status: models.TransmissionTransmitted})
		return tx.Apply(Patch{QBER: Ptr(50.0)})
	})
	s.Require().NoError(err)

	s.Len(before.Transmissions, 1)
	s.Equal(models.TransmissionTransmitted, before.Transmissions[0].Status)
	s.Equal(0.0, before.Channel.QBER)

	after, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Len(after.Transmissions, 2)
	s.Equal(models.TransmissionBlocked, after.Transmissions[0].Status)
	s.Require().Len(after.Transmissions[0].Transitions, 1)
	s.Equal(50.0, after.Channel.QBER)
}

// TestTransmissionLogBounded tests capacity and oldest-first eviction.
func (s *StoreSuite) TestTransmissionLogBounded() {
	for i := 0; i < 25; i++ {
		_, err := s.store.Update("s1", func(tx *Tx) error {
			tx.AppendTransmission(models.Transmission{ID: fmt.Sprintf("tx_%d", i)})
			return nil
		})
		s.Require().NoError(err)

		snap, err := s.store.GetSnapshot("s1")
		s.Require().NoError(err)
		s.LessOrEqual(len(snap.Transmissions), models.TransmissionLogCapacity)
	}

	snap, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Require().Len(snap.Transmissions, 10)
	s.Equal("tx_15", snap.Transmissions[0].ID)
	s.Equal("tx_24", snap.Transmissions[9].ID)
}

// TestMessageLogBounded tests message capacity and oldest-first eviction.
func (s *StoreSuite) TestMessageLogBounded() {
	_, err := s.store.Update("s1", func(tx *Tx) error {
		for i := 0; i < 120; i++ {
			tx.AppendMessage(models.SecureMessage{ID: fmt.Sprintf("msg_%d", i)})
		}
		return nil
	})
	s.Require().NoError(err)

	snap, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Require().Len(snap.Messages, models.MessageLogCapacity)
	s.Equal("msg_70", snap.Messages[0].ID)
	s.Equal("msg_119", snap.Messages[49].ID)
}

// TestTransitionTransmission tests transition rules.
func (s *StoreSuite) TestTransitionTransmission() {
	_, err := s.store.Update("s1", func(tx *Tx) error {
		tx.AppendTransmission(models.Transmission{
			ID:          "tx_1",
			Status:      models.TransmissionTransmitted,
			Transitions: []models.StatusTransition{{Status: models.TransmissionTransmitted}},
		})
		return nil
	})
	s.Require().NoError(err)

	_, err = s.store.Update("s1", func(tx *Tx) error {
		_, err := tx.TransitionTransmission("tx_9", models.TransmissionBlocked, "")
		return err
	})
	s.ErrorIs(err, ErrUnknownTransmission)

	snap, err := s.store.Update("s1", func(tx *Tx) error {
		if _, err := tx.TransitionTransmission("tx_1", models.TransmissionBlocked, "compromised channel"); err != nil {
			return err
		}
		_, err := tx.TransitionTransmission("tx_1", models.TransmissionBlocked, "again")
		return err
	})
	s.Require().NoError(err)
	tr := snap.Transmissions[0]
	s.Equal(models.TransmissionBlocked, tr.Status)
	s.Require().Len(tr.Transitions, 2)
	s.Equal(models.TransmissionTransmitted, tr.Transitions[0].Status)
	s.Equal("compromised channel", tr.Transitions[1].Reason)

	_, err = s.store.Update("s1", func(tx *Tx) error {
		_, err := tx.TransitionTransmission("tx_1", models.TransmissionTransmitted, "")
		return err
	})
	s.ErrorIs(err, ErrInvalidPatch)
}

// TestEventsPublishedOnCommit tests event ordering and rollback behaviour.
func (s *StoreSuite) TestEventsPublishedOnCommit() {
	_, err := s.store.Update("s1", func(tx *Tx) error {
		tx.Emit(models.EventKeyGenerated, "a", models.RolesAll)
		tx.Emit(models.EventSecurityStatusUpdate, "b", models.RolesAll)
		return tx.Apply(Patch{QBER: Ptr(1.0)})
	})
	s.Require().NoError(err)

	_, err = s.store.Update("s1", func(tx *Tx) error {
		tx.Emit(models.EventDataEncrypted, "dropped", models.RolesAll)
		return fmt.Errorf("boom")
	})
	s.Error(err)

	_, err = s.store.Update("s1", func(tx *Tx) error {
		tx.Emit(models.EventActorStatus, "c", models.RolesAll)
		return nil
	})
	s.Require().NoError(err)

	events := s.pub.Events()
	s.Require().Len(events, 3)
	s.Equal(models.EventKeyGenerated, events[0].Kind)
	s.Equal(models.EventSecurityStatusUpdate, events[1].Kind)
	s.Equal(models.EventActorStatus, events[2].Kind)
	for i, ev := range events {
		s.Equal(uint64(i+1), ev.Seq)
		s.Equal("s1", ev.SessionID)
		s.False(ev.At.IsZero())
	}

	// Emit-only transaction does not bump the version
	snap, err := s.store.GetSnapshot("s1")
	s.Require().NoError(err)
	s.Equal(uint64(1), snap.Version)
}

// TestDrop tests that dropped sessions reject transactions.
func (s *StoreSuite) TestDrop() {
	s.True(s.store.Drop("s1"))
	s.False(s.store.Drop("s1"))
	s.False(s.store.Exists("s1"))

	_, err := s.store.ApplyUpdate("s1", Patch{QBER: Ptr(1.0)})
	s.ErrorIs(err, ErrUnknownSession)
}

// TestConcurrentApplyUpdateNoInterleaving tests that concurrent patches are
// applied whole, one after another.
func TestConcurrentApplyUpdateNoInterleaving(t *testing.T) {
	store := NewStore(nil)
	store.Create("s1")

	const writers = 64
	strategies := []models.AttackStrategy{models.StrategyRandom, models.StrategyZOnly, models.StrategyXOnly}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.ApplyUpdate("s1", Patch{
				QBER:        Ptr(float64(i)),
				EveActive:   Ptr(i%2 == 0),
				EveStrategy: Ptr(strategies[i%3]),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := store.GetSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), snap.Version)

	i := int(snap.Channel.QBER)
	assert.Equal(t, i%2 == 0, snap.Channel.EveActive, "fields must come from the same patch")
	assert.Equal(t, strategies[i%3], snap.Channel.EveStrategy, "fields must come from the same patch")
}

// TestConcurrentSessionsIndependent tests that sessions do not share state.
func TestConcurrentSessionsIndependent(t *testing.T) {
	store := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("s%d", i)
		store.Create(id)
		wg.Add(1)
		go func(id string, q float64) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := store.Update(id, func(tx *Tx) error {
					tx.AppendTransmission(models.Transmission{ID: fmt.Sprintf("%s-%d", id, j)})
					return tx.Apply(Patch{QBER: Ptr(q)})
				})
				assert.NoError(t, err)
			}
		}(id, float64(i))
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		snap, err := store.GetSnapshot(fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		assert.Equal(t, float64(i), snap.Channel.QBER)
		assert.Len(t, snap.Transmissions, models.TransmissionLogCapacity)
		assert.Equal(t, uint64(20), snap.Version)
	}
}

// TestGetSnapshotDuringSlowWriter tests that reads do not wait for a writer.
func TestGetSnapshotDuringSlowWriter(t *testing.T) {
	store := NewStore(nil)
	store.Create("s1")

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.Update("s1", func(tx *Tx) error {
			close(entered)
			<-release
			return tx.Apply(Patch{QBER: Ptr(9.0)})
		})
	}()
	<-entered

	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := store.GetSnapshot("s1")
		done <- snap
	}()

	select {
	case snap := <-done:
		assert.Equal(t, 0.0, snap.Channel.QBER)
	case <-time.After(time.Second):
		t.Fatal("GetSnapshot blocked on a writer")
	}
	close(release)
}
