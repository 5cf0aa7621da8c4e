package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAllowlistedKnownFieldsOnly(t *testing.T) {
	require.True(t, IsAllowlisted("address"))
	require.True(t, IsAllowlisted("TxHash"))
	require.False(t, IsAllowlisted("signingKey"))
	require.False(t, IsAllowlisted("bearerToken"))
}

func TestMaskFieldRedactsNonAllowlistedValues(t *testing.T) {
	attr := MaskField("signingKey", "0xdeadbeef")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("address", "0xabc")
	require.Equal(t, "0xabc", attr.Value.String())
}

func TestMaskValueLeavesEmptyUnchanged(t *testing.T) {
	require.Equal(t, "", MaskValue(""))
	require.Equal(t, RedactedValue, MaskValue("secret"))
}

func TestRedactionAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	require.NotEmpty(t, keys)
	for i := 1; i < len(keys); i++ {
		require.LessOrEqual(t, keys[i-1], keys[i])
	}
}
