package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFormatTON(t *testing.T) {
	require.Equal(t, "1.5", FormatTON(1_500_000_000))
	require.Equal(t, "0.01", FormatTON(10_000_000))
	require.Equal(t, "0.000000001", FormatTON(1))
}

func TestParseTON(t *testing.T) {
	n, err := ParseTON("2.25")
	require.NoError(t, err)
	require.Equal(t, int64(2_250_000_000), n)

	_, err = ParseTON("0.0000000001")
	require.Error(t, err)
	_, err = ParseTON("0")
	require.Error(t, err)
	_, err = ParseTON("abc")
	require.Error(t, err)
}

func TestFiat(t *testing.T) {
	require.Equal(t, "375", Fiat(1_500_000_000, decimal.NewFromInt(250)).String())
	require.Equal(t, "0.04", Fiat(10_000_000, decimal.RequireFromString("3.5")).String())
}

func TestPercentFloors(t *testing.T) {
	require.Equal(t, int64(0), Percent(9, 10))
	require.Equal(t, int64(1), Percent(39, 5))
	require.Equal(t, int64(10), Percent(100, 10))
}
