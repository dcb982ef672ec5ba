package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

func filterRecord(batch string, unrestricted float64, expiry *time.Time) *entity.BalanceRecord {
	rec := entity.NewBalanceRecord(entity.BalanceKey{
		MaterialID: id.New(),
		LocationID: id.New(),
		PlantID:    id.New(),
		BatchID:    batch,
	})
	rec.Unrestricted = types.NewQuantityFromFloat64(unrestricted)
	rec.BatchExpiry = expiry
	return rec
}

func TestCompileFilterEmptyAdmitsAll(t *testing.T) {
	f, err := CompileFilter("")
	require.NoError(t, err)
	require.Nil(t, f)

	ok, err := f.Eligible(filterRecord("LOT-1", 5, nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilterExpressions(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name string
		expr string
		rec  *entity.BalanceRecord
		want bool
	}{
		{"batch prefix match", `batch.startsWith("LOT-")`, filterRecord("LOT-9", 5, nil), true},
		{"batch prefix miss", `batch.startsWith("LOT-")`, filterRecord("X-1", 5, nil), false},
		{"minimum stock", `unrestricted >= 10.0`, filterRecord("", 12, nil), true},
		{"minimum stock miss", `unrestricted >= 10.0`, filterRecord("", 3, nil), false},
		{"expiry required", `has_expiry`, filterRecord("LOT-1", 5, &now), true},
		{"combined", `has_expiry && unrestricted > 0.0`, filterRecord("LOT-1", 5, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileFilter(tt.expr)
			require.NoError(t, err)
			ok, err := f.Eligible(tt.rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCompileFilterRejectsNonBool(t *testing.T) {
	_, err := CompileFilter(`batch`)
	require.Error(t, err)

	_, err = CompileFilter(`unrestricted +`)
	require.Error(t, err)
}
