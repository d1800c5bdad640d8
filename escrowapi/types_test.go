package escrowapi

import (
	"math"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1050000")
	assert.Nil(t, err)
	check.Equal(t, uint64(1_050_000), v)

	v, err = ParseAmount("0")
	assert.Nil(t, err)
	check.Equal(t, uint64(0), v)

	// Scientific notation is still an integer value.
	v, err = ParseAmount("1.05e6")
	assert.Nil(t, err)
	check.Equal(t, uint64(1_050_000), v)
}

func TestParseAmount_Rejections(t *testing.T) {
	for _, s := range []string{"", "abc", "-1", "1.5", "18446744073709551616"} {
		_, err := ParseAmount(s)
		check.NotNil(t, err)
	}
}

func TestParseAmount_MaxUint64(t *testing.T) {
	v, err := ParseAmount("18446744073709551615")
	assert.Nil(t, err)
	check.Equal(t, uint64(math.MaxUint64), v)
}

func TestFormatAmount(t *testing.T) {
	check.Equal(t, "0", FormatAmount(0))
	check.Equal(t, "1102500", FormatAmount(1_102_500))
	check.Equal(t, "18446744073709551615", FormatAmount(math.MaxUint64))
}
