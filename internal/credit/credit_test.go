package credit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
)

func TestIssue(t *testing.T) {
	t.Run("equal split", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("alice", fixedpoint.FromInt(900), 3)
		require.NoError(t, err)

		assert.Equal(t, fixedpoint.FromInt(900), c.Deposit)
		require.Len(t, c.PerProposal, 3)
		for i, line := range c.PerProposal {
			assert.Equal(t, fixedpoint.FromInt(300), line, "line %d", i)
		}
	})

	t.Run("remainder lands on the first line", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("alice", fixedpoint.FromInt(100), 3)
		require.NoError(t, err)

		var sum fixedpoint.Value
		for _, line := range c.PerProposal {
			sum += line
		}
		assert.Equal(t, c.Deposit, sum, "lines must sum to the deposit exactly")
		assert.Equal(t, c.PerProposal[1], c.PerProposal[2])
		assert.GreaterOrEqual(t, c.PerProposal[0], c.PerProposal[1])
	})

	t.Run("second deposit rejected", func(t *testing.T) {
		l := NewLedger("qm-1")
		_, err := l.Issue("alice", fixedpoint.FromInt(100), 3)
		require.NoError(t, err)

		_, err = l.Issue("alice", fixedpoint.FromInt(100), 3)
		assert.ErrorIs(t, err, ErrAlreadyDeposited)
	})

	t.Run("invalid input", func(t *testing.T) {
		l := NewLedger("qm-1")
		_, err := l.Issue("alice", 0, 3)
		assert.Error(t, err)
		_, err = l.Issue("alice", fixedpoint.FromInt(-10), 3)
		assert.Error(t, err)
		_, err = l.Issue("alice", fixedpoint.FromInt(10), 0)
		assert.Error(t, err)
	})
}

func TestReserve(t *testing.T) {
	newAccount := func(t *testing.T) *Credits {
		t.Helper()
		l := NewLedger("qm-1")
		c, err := l.Issue("alice", fixedpoint.FromInt(900), 3)
		require.NoError(t, err)
		return c
	}

	t.Run("within the line", func(t *testing.T) {
		c := newAccount(t)
		require.NoError(t, c.Reserve(0, fixedpoint.FromInt(200), fixedpoint.One, 10))
		assert.Equal(t, fixedpoint.FromInt(200), c.UsedOn(0))
		assert.Equal(t, fixedpoint.FromInt(100), c.Available(0))
		assert.Equal(t, fixedpoint.FromInt(300), c.Available(1), "other lines untouched")
	})

	t.Run("stacked reservations", func(t *testing.T) {
		c := newAccount(t)
		require.NoError(t, c.Reserve(0, fixedpoint.FromInt(100), fixedpoint.One, 10))
		require.NoError(t, c.Reserve(0, fixedpoint.FromInt(200), fixedpoint.FromInt(2), 11))
		assert.Equal(t, fixedpoint.Value(0), c.Available(0))
	})

	t.Run("beyond the line fails and changes nothing", func(t *testing.T) {
		c := newAccount(t)
		err := c.Reserve(0, fixedpoint.FromInt(301), fixedpoint.One, 10)
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.Empty(t, c.Used)
		assert.Equal(t, fixedpoint.FromInt(300), c.Available(0))
	})

	t.Run("lines are independent", func(t *testing.T) {
		c := newAccount(t)
		require.NoError(t, c.Reserve(0, fixedpoint.FromInt(300), fixedpoint.One, 10))
		err := c.Reserve(0, fixedpoint.FromInt(1), fixedpoint.One, 11)
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.NoError(t, c.Reserve(1, fixedpoint.FromInt(300), fixedpoint.One, 12))
	})

	t.Run("invalid input", func(t *testing.T) {
		c := newAccount(t)
		assert.Error(t, c.Reserve(3, fixedpoint.FromInt(10), fixedpoint.One, 10))
		assert.Error(t, c.Reserve(0, 0, fixedpoint.One, 10))
		assert.Error(t, c.Reserve(0, fixedpoint.FromInt(10), fixedpoint.FromFloat(0.5), 10))
	})
}

func TestComputeRefund(t *testing.T) {
	t.Run("winner remainder plus unused losers", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("alice", fixedpoint.FromInt(900), 3)
		require.NoError(t, err)

		// all of line 0, a third of line 1, nothing on line 2
		require.NoError(t, c.Reserve(0, fixedpoint.FromInt(300), fixedpoint.One, 10))
		require.NoError(t, c.Reserve(1, fixedpoint.FromInt(100), fixedpoint.One, 11))

		// proposal 1 wins: 200 unused on the winner, 0 left on loser 0,
		// all 300 on loser 2; the 300 spent on loser 0 is forfeited
		assert.Equal(t, fixedpoint.FromInt(500), c.ComputeRefund(1))
	})

	t.Run("untouched account refunds in full", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("bob", fixedpoint.FromInt(600), 3)
		require.NoError(t, err)
		assert.Equal(t, fixedpoint.FromInt(600), c.ComputeRefund(2))
	})

	t.Run("fully spent loser lines refund nothing", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("carol", fixedpoint.FromInt(300), 3)
		require.NoError(t, err)
		require.NoError(t, c.Reserve(0, fixedpoint.FromInt(100), fixedpoint.One, 10))
		require.NoError(t, c.Reserve(2, fixedpoint.FromInt(100), fixedpoint.One, 11))

		// winner 1 untouched: its full 100 plus nothing from the spent
		// losers
		assert.Equal(t, fixedpoint.FromInt(100), c.ComputeRefund(1))
	})

	t.Run("out of range winner", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("dave", fixedpoint.FromInt(300), 3)
		require.NoError(t, err)
		assert.Equal(t, fixedpoint.Value(0), c.ComputeRefund(-1))
		assert.Equal(t, fixedpoint.Value(0), c.ComputeRefund(3))
	})
}

func TestEmergencyRefund(t *testing.T) {
	l := NewLedger("qm-1")
	c, err := l.Issue("alice", fixedpoint.FromInt(900), 3)
	require.NoError(t, err)
	require.NoError(t, c.Reserve(0, fixedpoint.FromInt(300), fixedpoint.One, 10))

	assert.Equal(t, fixedpoint.FromInt(900), c.EmergencyRefund(),
		"a voided market returns the whole deposit, used or not")
}

func TestClaim(t *testing.T) {
	t.Run("claim once", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("alice", fixedpoint.FromInt(900), 3)
		require.NoError(t, err)
		c.RefundAmount = fixedpoint.FromInt(500)

		got, err := c.Claim()
		require.NoError(t, err)
		assert.Equal(t, fixedpoint.FromInt(500), got)

		_, err = c.Claim()
		assert.ErrorIs(t, err, ErrNothingToClaim)
	})

	t.Run("nothing assigned", func(t *testing.T) {
		l := NewLedger("qm-1")
		c, err := l.Issue("alice", fixedpoint.FromInt(900), 3)
		require.NoError(t, err)

		_, err = c.Claim()
		assert.ErrorIs(t, err, ErrNothingToClaim)
	})
}

func TestLedgerTotals(t *testing.T) {
	l := NewLedger("qm-1")
	_, err := l.Issue("alice", fixedpoint.FromInt(900), 3)
	require.NoError(t, err)
	_, err = l.Issue("bob", fixedpoint.FromInt(600), 3)
	require.NoError(t, err)

	assert.Equal(t, fixedpoint.FromInt(1500), l.TotalDeposits())

	t.Run("refunds never exceed deposits", func(t *testing.T) {
		for _, c := range l.Accounts {
			c.RefundAmount = c.ComputeRefund(0)
		}
		assert.LessOrEqual(t, l.TotalRefunds(), l.TotalDeposits())
	})

	t.Run("missing account", func(t *testing.T) {
		_, ok := l.Account("mallory")
		assert.False(t, ok)
	})
}
