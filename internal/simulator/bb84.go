// Package simulator is the in-process BB84 key-exchange simulator. It models
// sender encoding, an optional intercept-resend eavesdropper and receiver
// measurement on classical bits, then sifts the key and estimates the QBER.
package simulator

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/pkg/models"
)

// Protocol constants.
const (
	// RejectThreshold is the QBER above which the sifted key is discarded.
	RejectThreshold = 11.0
	// TestFraction is the share of the sifted key disclosed for error estimation.
	TestFraction = 0.5
	// PreviewLength caps the transcript sequences kept in QuantumData.
	PreviewLength = 20
	// ProbeLength is the number of qubits exchanged by Probe.
	ProbeLength = 512

	MinKeyLength = 8
	MaxKeyLength = 4096
)

// ErrInvalidLength is returned for key lengths outside [MinKeyLength, MaxKeyLength].
var ErrInvalidLength = errors.New("invalid key length")

type basis uint8

const (
	basisZ basis = iota
	basisX
)

func (b basis) String() string {
	if b == basisX {
		return "X"
	}
	return "Z"
}

// Attack configures the eavesdropper for an exchange.
type Attack struct {
	Active   bool
	Strategy models.AttackStrategy
}

// Request describes one key exchange.
type Request struct {
	KeyLength int
	Attack    Attack
}

// Result is the outcome of one key exchange.
type Result struct {
	Status      models.KeyStatus
	QBER        float64
	Fidelity    float64
	QuantumData *models.QuantumData
	// Key holds the final key bits, one bit per byte. Empty when rejected.
	Key []byte
}

// BB84 simulates BB84 exchanges. It is safe for concurrent use.
type BB84 struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a simulator seeded from crypto/rand.
func New() *BB84 {
	var seed [16]byte
	_, _ = crand.Read(seed[:])
	return NewSeeded(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:]))
}

// NewSeeded creates a deterministic simulator.
func NewSeeded(s1, s2 uint64) *BB84 {
	return &BB84{rng: rand.New(rand.NewPCG(s1, s2))}
}

type transcript struct {
	senderBits    []int
	senderBases   []basis
	receiverBases []basis
	measured      []int
	siftedSender  []int
	siftedRecv    []int
	intercepted   int
}

func (b *BB84) bit() int { return int(b.rng.Uint32() & 1) }

func (b *BB84) basis() basis { return basis(b.rng.Uint32() & 1) }

func (b *BB84) eveBasis(s models.AttackStrategy) basis {
	switch s {
	case models.StrategyZOnly:
		return basisZ
	case models.StrategyXOnly:
		return basisX
	default:
		return b.basis()
	}
}

// measure returns bit when the bases agree, a coin flip otherwise.
func (b *BB84) measure(bit int, prepared, measured basis) int {
	if prepared == measured {
		return bit
	}
	return b.bit()
}

func (b *BB84) exchange(ctx context.Context, n int, attack Attack) (transcript, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := transcript{
		senderBits:    make([]int, n),
		senderBases:   make([]basis, n),
		receiverBases: make([]basis, n),
		measured:      make([]int, n),
	}
	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return transcript{}, err
			}
		}
		bit, prep := b.bit(), b.basis()
		t.senderBits[i], t.senderBases[i] = bit, prep

		if attack.Active {
			eb := b.eveBasis(attack.Strategy)
			bit = b.measure(bit, prep, eb)
			prep = eb
			t.intercepted++
		}

		rb := b.basis()
		t.receiverBases[i] = rb
		t.measured[i] = b.measure(bit, prep, rb)

		if t.senderBases[i] == rb {
			t.siftedSender = append(t.siftedSender, t.senderBits[i])
			t.siftedRecv = append(t.siftedRecv, t.measured[i])
		}
	}
	return t, nil
}

func qber(a, b []int) float64 {
	if len(a) == 0 {
		return 0
	}
	errs := 0
	for i := range a {
		if a[i] != b[i] {
			errs++
		}
	}
	return float64(errs) / float64(len(a)) * 100
}

// Generate runs one exchange of req.KeyLength qubits. A QBER above
// RejectThreshold or an empty sifted key yields a failed status with no key.
func (b *BB84) Generate(ctx context.Context, req Request) (Result, error) {
	if req.KeyLength < MinKeyLength || req.KeyLength > MaxKeyLength {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidLength, req.KeyLength)
	}

	t, err := b.exchange(ctx, req.KeyLength, req.Attack)
	if err != nil {
		return Result{}, err
	}

	rate := qber(t.siftedSender, t.siftedRecv)
	res := Result{
		Status:      models.KeyStatusFailed,
		QBER:        rate,
		Fidelity:    100 - rate,
		QuantumData: t.quantumData(),
	}

	if len(t.siftedSender) > 0 && rate <= RejectThreshold {
		test := int(float64(len(t.siftedSender)) * TestFraction)
		final := t.siftedSender[test:]
		res.Key = make([]byte, len(final))
		for i, v := range final {
			res.Key[i] = byte(v)
		}
		res.Status = models.KeyStatusSuccess
	}
	res.QuantumData.FinalKeyLength = len(res.Key)

	log.Debug().
		Int("keyLength", req.KeyLength).
		Bool("eveActive", req.Attack.Active).
		Int("sifted", len(t.siftedSender)).
		Float64("qber", rate).
		Str("status", string(res.Status)).
		Msg("BB84 exchange complete")

	return res, nil
}

// Probe estimates the channel QBER under attack with a test exchange.
func (b *BB84) Probe(ctx context.Context, attack Attack) (float64, error) {
	t, err := b.exchange(ctx, ProbeLength, attack)
	if err != nil {
		return 0, err
	}
	return qber(t.siftedSender, t.siftedRecv), nil
}

func (t transcript) quantumData() *models.QuantumData {
	n := min(PreviewLength, len(t.senderBits))
	qd := &models.QuantumData{
		SenderBits:        append([]int(nil), t.senderBits[:n]...),
		SenderBases:       make([]string, n),
		ReceiverBases:     make([]string, n),
		ReceiverMeasured:  append([]int(nil), t.measured[:n]...),
		SiftedKey:         append([]int(nil), t.siftedSender[:min(PreviewLength/2, len(t.siftedSender))]...),
		SiftedLength:      len(t.siftedSender),
		InterceptedQubits: t.intercepted,
	}
	for i := 0; i < n; i++ {
		qd.SenderBases[i] = t.senderBases[i].String()
		qd.ReceiverBases[i] = t.receiverBases[i].String()
	}
	return qd
}
