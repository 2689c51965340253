package intake

import (
	"testing"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []domain.Signal
	}{
		{
			name: "comma separated lists",
			body: `{"stocks":"AAA,BBB","trigger_prices":"100,50"}`,
			want: []domain.Signal{
				{Symbol: "NSE:AAA-EQ", TriggerPrice: 100},
				{Symbol: "NSE:BBB-EQ", TriggerPrice: 50},
			},
		},
		{
			name: "alternate list keys",
			body: `{"symbols":" sbin , tcs ","prices":"812.5, 3901"}`,
			want: []domain.Signal{
				{Symbol: "NSE:SBIN-EQ", TriggerPrice: 812.5},
				{Symbol: "NSE:TCS-EQ", TriggerPrice: 3901},
			},
		},
		{
			name: "array of objects",
			body: `[{"symbol":"AAA","price":100},{"stock":"CCC","trigger_price":"1,234.50"}]`,
			want: []domain.Signal{
				{Symbol: "NSE:AAA-EQ", TriggerPrice: 100},
				{Symbol: "NSE:CCC-EQ", TriggerPrice: 1234.5},
			},
		},
		{
			name: "single object",
			body: `{"symbol":"infy","price":"1500.25"}`,
			want: []domain.Signal{{Symbol: "NSE:INFY-EQ", TriggerPrice: 1500.25}},
		},
		{
			name: "already qualified symbol",
			body: `{"symbol":"BSE:RELIANCE","price":2500}`,
			want: []domain.Signal{{Symbol: "BSE:RELIANCE", TriggerPrice: 2500}},
		},
		{
			name: "trailing comma repaired",
			body: `{"stocks":"AAA","trigger_prices":"100",}`,
			want: []domain.Signal{{Symbol: "NSE:AAA-EQ", TriggerPrice: 100}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseDropsBadEntries(t *testing.T) {
	var drops []Drop
	body := `[
		{"symbol":"AAA","price":100},
		{"symbol":"","price":10},
		{"symbol":"BBB"},
		{"symbol":"CCC","price":"abc"},
		{"symbol":"DDD","price":-5},
		{"symbol":"EEE","price":"1e400"},
		{"symbol":"FFF","price":"1e-400"},
		{"symbol":"aaa","price":101},
		7
	]`

	got, err := Parse([]byte(body), WithDropHandler(func(d Drop) { drops = append(drops, d) }))
	require.NoError(t, err)
	assert.Equal(t, []domain.Signal{{Symbol: "NSE:AAA-EQ", TriggerPrice: 100}}, got)

	reasons := make([]string, 0, len(drops))
	for _, d := range drops {
		reasons = append(reasons, d.Reason)
	}
	assert.Equal(t, []string{
		DropMissingSymbol,
		DropMissingPrice,
		DropInvalidPrice,
		DropNonPositive,
		DropInvalidPrice,
		DropInvalidPrice,
		DropDuplicate,
		DropNotAnObject,
	}, reasons)
}

func TestParseLengthMismatch(t *testing.T) {
	var drops []Drop
	got, err := Parse(
		[]byte(`{"stocks":"AAA,BBB,CCC","trigger_prices":"100,50"}`),
		WithDropHandler(func(d Drop) { drops = append(drops, d) }),
	)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, drops, 1)
	assert.Equal(t, "CCC", drops[0].Symbol)
	assert.Equal(t, DropUnpaired, drops[0].Reason)
}

func TestParseEmptyResultIsNotAnError(t *testing.T) {
	got, err := Parse([]byte(`{"stocks":"","trigger_prices":""}`))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Parse([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseMalformed(t *testing.T) {
	for _, body := range []string{"", "   ", "42", `"just text"`} {
		_, err := Parse([]byte(body))
		require.ErrorIs(t, err, domain.ErrMalformedPayload, "body %q", body)
	}
}

func TestParseCustomExchange(t *testing.T) {
	got, err := Parse([]byte(`{"symbol":"AAA","price":1}`), WithExchange("", ""))
	require.NoError(t, err)
	assert.Equal(t, "AAA", got[0].Symbol)
}
