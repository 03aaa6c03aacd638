package simulator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/qshield/pkg/models"
)

func TestGenerateCleanChannel(t *testing.T) {
	sim := NewSeeded(1, 2)

	res, err := sim.Generate(context.Background(), Request{KeyLength: 200})
	require.NoError(t, err)

	assert.Equal(t, models.KeyStatusSuccess, res.Status)
	assert.Zero(t, res.QBER)
	assert.Equal(t, 100.0, res.Fidelity)
	require.NotNil(t, res.QuantumData)
	assert.Len(t, res.QuantumData.SenderBits, PreviewLength)
	assert.Len(t, res.QuantumData.SenderBases, PreviewLength)
	assert.Greater(t, res.QuantumData.SiftedLength, 0)
	assert.Equal(t, res.QuantumData.SiftedLength-res.QuantumData.SiftedLength/2, len(res.Key))
	assert.Equal(t, len(res.Key), res.QuantumData.FinalKeyLength)
	assert.Zero(t, res.QuantumData.InterceptedQubits)
	for _, b := range res.Key {
		assert.LessOrEqual(t, b, byte(1))
	}
}

func TestGenerateUnderAttackIsRejected(t *testing.T) {
	strategies := []models.AttackStrategy{models.StrategyRandom, models.StrategyZOnly, models.StrategyXOnly}
	for _, s := range strategies {
		t.Run(string(s), func(t *testing.T) {
			sim := NewSeeded(7, 11)
			res, err := sim.Generate(context.Background(), Request{
				KeyLength: 2000,
				Attack:    Attack{Active: true, Strategy: s},
			})
			require.NoError(t, err)

			// Intercept-resend induces about 25% errors in the sifted key
			assert.Greater(t, res.QBER, RejectThreshold)
			assert.Equal(t, models.KeyStatusFailed, res.Status)
			assert.Empty(t, res.Key)
			assert.Equal(t, 2000, res.QuantumData.InterceptedQubits)
			assert.Zero(t, res.QuantumData.FinalKeyLength)
		})
	}
}

func TestGenerateInvalidLength(t *testing.T) {
	sim := NewSeeded(1, 1)
	_, err := sim.Generate(context.Background(), Request{KeyLength: 2})
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = sim.Generate(context.Background(), Request{KeyLength: MaxKeyLength + 1})
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestGenerateHonorsCancellation(t *testing.T) {
	sim := NewSeeded(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Generate(ctx, Request{KeyLength: 100})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbe(t *testing.T) {
	sim := NewSeeded(3, 4)

	clean, err := sim.Probe(context.Background(), Attack{})
	require.NoError(t, err)
	assert.Zero(t, clean)

	attacked, err := sim.Probe(context.Background(), Attack{Active: true, Strategy: models.StrategyRandom})
	require.NoError(t, err)
	assert.Greater(t, attacked, RejectThreshold)
	assert.Less(t, attacked, 40.0)
}
