package visitors_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklog/internal/visitors"
)

func TestParseCustomVariables(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[int][2]string
		wantErr bool
	}{
		{"empty", "", map[int][2]string{}, false},
		{"two slots", `{"1":["plan","pro"],"3":["lang","fr"]}`, map[int][2]string{1: {"plan", "pro"}, 3: {"lang", "fr"}}, false},
		{"numeric value", `{"2":["age",42]}`, map[int][2]string{2: {"age", "42"}}, false},
		{"out of range slot skipped", `{"6":["a","b"],"0":["c","d"]}`, map[int][2]string{}, false},
		{"malformed pair skipped", `{"1":["only-key"],"2":[1,"x"]}`, map[int][2]string{}, false},
		{"invalid json", `{"1":`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv, err := visitors.ParseCustomVariables(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			for i := 1; i <= visitors.MaxCustomVariables; i++ {
				k, v, ok := cv.Get(i)
				want, expected := tt.want[i]
				assert.Equal(t, expected, ok, "slot %d", i)
				if expected {
					assert.Equal(t, want[0], k)
					assert.Equal(t, want[1], v)
				}
			}
		})
	}
}

func TestCustomVariablesMerge(t *testing.T) {
	var existing visitors.CustomVariables
	require.NoError(t, existing.Set(1, "plan", "free"))
	require.NoError(t, existing.Set(2, "lang", "en"))

	var update visitors.CustomVariables
	require.NoError(t, update.Set(1, "plan", "pro"))
	require.NoError(t, update.Set(4, "ab", "b"))

	existing.Merge(update)

	k, v, _ := existing.Get(1)
	assert.Equal(t, [2]string{"plan", "pro"}, [2]string{k, v})
	_, v, _ = existing.Get(2)
	assert.Equal(t, "en", v)
	_, v, _ = existing.Get(4)
	assert.Equal(t, "b", v)

	assert.Equal(t, map[string]any{
		"custom_var_k1": "plan", "custom_var_v1": "pro",
		"custom_var_k4": "ab", "custom_var_v4": "b",
	}, update.Columns())
}

func TestCustomVariablesSet(t *testing.T) {
	var cv visitors.CustomVariables
	assert.True(t, cv.IsEmpty())

	assert.Error(t, cv.Set(0, "k", "v"))
	assert.Error(t, cv.Set(6, "k", "v"))

	require.NoError(t, cv.Set(5, strings.Repeat("k", 300), strings.Repeat("é", 300)))
	k, v, ok := cv.Get(5)
	assert.True(t, ok)
	assert.Len(t, k, visitors.MaxCustomVariableLength)
	assert.Equal(t, visitors.MaxCustomVariableLength, len([]rune(v)))
	assert.False(t, cv.IsEmpty())
}
