package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCloseSeries_ExtractsClosingPrices(t *testing.T) {
	bars := []Bar{
		{Date: time.Now(), Close: 100},
		{Date: time.Now(), Close: 101.5},
		{Date: time.Now(), Close: 99.25},
	}
	assert.Equal(t, []float64{100, 101.5, 99.25}, CloseSeries(bars))
}

func TestCloseSeries_EmptyInputReturnsEmptySlice(t *testing.T) {
	assert.Empty(t, CloseSeries(nil))
}
