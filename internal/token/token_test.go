package token

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"question-bounty/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int
	info  ledger.TokenInfo
	err   error
}

func (f *fakeSource) TokenMetadata(_ context.Context, token common.Address) (ledger.TokenInfo, error) {
	f.calls++
	if f.err != nil {
		return ledger.TokenInfo{}, f.err
	}
	info := f.info
	info.Address = token
	return info, nil
}

func TestParseAndFormatUnits(t *testing.T) {
	n, err := ParseUnits("12.5", 6)
	require.NoError(t, err)
	assert.Equal(t, "12500000", n.String())
	assert.InDelta(t, 12.5, FormatUnits(n, 6), 1e-9)

	_, err = ParseUnits("0.0000001", 6)
	assert.Error(t, err)
	_, err = ParseUnits("-1", 6)
	assert.Error(t, err)
	_, err = ParseUnits("abc", 6)
	assert.Error(t, err)

	assert.InDelta(t, 100.0, FormatUnits(new(big.Int).Mul(big.NewInt(100), pow10(18)), 18), 1e-9)
}

func TestResolverCachesWithinTTL(t *testing.T) {
	src := &fakeSource{info: ledger.TokenInfo{Symbol: "USDC", Decimals: 6}}
	r := NewResolver(src, time.Minute, nil)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	tok := common.HexToAddress("0x0000000000000000000000000000000000000001")
	info, err := r.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), info.Decimals)

	_, _ = r.Resolve(context.Background(), tok)
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	_, _ = r.Resolve(context.Background(), tok)
	assert.Equal(t, 2, src.calls)
}

func TestResolverServesStaleOnError(t *testing.T) {
	src := &fakeSource{info: ledger.TokenInfo{Symbol: "DAI", Decimals: 18}}
	r := NewResolver(src, time.Minute, nil)
	now := time.Now()
	r.now = func() time.Time { return now }
	tok := common.HexToAddress("0x0000000000000000000000000000000000000002")

	_, err := r.Resolve(context.Background(), tok)
	require.NoError(t, err)

	src.err = errors.New("rpc down")
	now = now.Add(time.Hour)
	info, err := r.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "DAI", info.Symbol)

	_, err = r.Resolve(context.Background(), common.HexToAddress("0x03"))
	assert.Error(t, err)
}

func TestToDisplay(t *testing.T) {
	r := NewResolver(&fakeSource{info: ledger.TokenInfo{Decimals: 6}}, 0, nil)
	v, err := r.ToDisplay(context.Background(), common.HexToAddress("0x04"), "100000000")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, v, 1e-9)
}
