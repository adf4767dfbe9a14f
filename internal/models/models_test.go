package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStockStatusFor(t *testing.T) {
	cases := []struct {
		available int
		threshold int
		want      string
	}{
		{10, 5, StockStatusInStock},
		{6, 5, StockStatusInStock},
		{5, 5, StockStatusLowStock},
		{1, 5, StockStatusLowStock},
		{0, 5, StockStatusOutOfStock},
		{-3, 5, StockStatusOutOfStock},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, StockStatusFor(tc.available, tc.threshold),
			"available=%d threshold=%d", tc.available, tc.threshold)
	}
}
