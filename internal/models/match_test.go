package models

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFormatAccuracy(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{97.8339, "97.83"},
		{100, "100.00"},
		{0, "0.00"},
		{85.5, "85.50"},
		{99.996, "100.00"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAccuracy(tt.in))
		})
	}
}

func TestFormatAccuracyProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("two decimals within half a hundredth", prop.ForAll(
		func(acc float64) bool {
			s := FormatAccuracy(acc)
			dot := len(s) - 3
			if dot < 1 || s[dot] != '.' {
				return false
			}
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return false
			}
			diff := parsed - acc
			return diff <= 0.005+1e-9 && diff >= -0.005-1e-9
		},
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}

func TestDeletedMap(t *testing.T) {
	m := DeletedMap(42)
	assert.Equal(t, &Map{ID: 42, Name: "deleted", Version: "deleted"}, m)
}

func TestMatchRecordArchived(t *testing.T) {
	assert.False(t, (&MatchRecord{ID: 1}).Archived())
	assert.True(t, (&MatchRecord{ID: 1, RawData: []byte(`{}`)}).Archived())
}
