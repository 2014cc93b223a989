package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRate_Valid(t *testing.T) {
	cases := []struct {
		text string
		want RateSpec
	}{
		{"100/minute", RateSpec{Count: 100, WindowSeconds: 60}},
		{"1/second", RateSpec{Count: 1, WindowSeconds: 1}},
		{"5000/hour", RateSpec{Count: 5000, WindowSeconds: 3600}},
		{"10/day", RateSpec{Count: 10, WindowSeconds: 86400}},
		{"  20/minutes ", RateSpec{Count: 20, WindowSeconds: 60}},
		{"20/MINUTE", RateSpec{Count: 20, WindowSeconds: 60}},
	}
	for _, c := range cases {
		got, err := ParseRate(c.text)
		assert.NoError(t, err, c.text)
		assert.Equal(t, c.want, got, c.text)
	}
}

func TestParseRate_Invalid(t *testing.T) {
	cases := []string{
		"",
		"100",
		"100/fortnight",
		"abc/minute",
		"-5/minute",
		"100/",
		"/minute",
		"100 / minute",
	}
	for _, c := range cases {
		_, err := ParseRate(c)
		assert.Error(t, err, c)
		var cfgErr *RateLimitConfigError
		assert.ErrorAs(t, err, &cfgErr, c)
	}
}

func TestRateSpec_Text(t *testing.T) {
	assert.Equal(t, "100/minute", RateSpec{Count: 100, WindowSeconds: 60}.Text())
	assert.Equal(t, "1/second", RateSpec{Count: 1, WindowSeconds: 1}.Text())
	assert.Equal(t, "5/hour", RateSpec{Count: 5, WindowSeconds: 3600}.Text())
	assert.Equal(t, "9/day", RateSpec{Count: 9, WindowSeconds: 86400}.Text())
	assert.Equal(t, "3/45s", RateSpec{Count: 3, WindowSeconds: 45}.Text())
}
