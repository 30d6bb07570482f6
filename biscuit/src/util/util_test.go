package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMin(t *testing.T) {
	cases := []struct{ a, b, want int }{
		{1, 2, 1},
		{2, 1, 1},
		{-1, 3, -1},
		{5, 5, 5},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Min(c.a, c.b))
	}
}

func TestRounddownRoundup(t *testing.T) {
	assert.Equal(t, uint64(0x1000), Rounddown(uint64(0x1fff), uint64(0x1000)))
	assert.Equal(t, uint64(0x1000), Rounddown(uint64(0x1000), uint64(0x1000)))
	assert.Equal(t, uint64(0x2000), Roundup(uint64(0x1001), uint64(0x1000)))
	assert.Equal(t, uint64(0x1000), Roundup(uint64(0x1000), uint64(0x1000)))
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 8, 0, 0x1122334455667788)
	assert.Equal(t, 0x1122334455667788, Readn(buf, 8, 0))

	Writen(buf, 4, 8, 0x11223344)
	assert.Equal(t, 0x11223344, Readn(buf, 4, 8))

	Writen(buf, 2, 12, 0x1122)
	assert.Equal(t, 0x1122, Readn(buf, 2, 12))

	Writen(buf, 1, 14, 0x11)
	assert.Equal(t, 0x11, Readn(buf, 1, 14))
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	buf := make([]uint8, 4)
	assert.Panics(t, func() { Readn(buf, 8, 0) })
}

func TestWritenUnsupportedSizePanics(t *testing.T) {
	buf := make([]uint8, 4)
	assert.Panics(t, func() { Writen(buf, 3, 0, 0) })
}
