package kversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert := assert.New(t)

	v, err := Parse("5.15.0-91-generic")
	assert.NoError(err)
	assert.Equal(int64(5), v.Major())
	assert.Equal(int64(15), v.Minor())
	assert.Equal(int64(0), v.Patch())
	assert.Equal(int64(91), v.PreRelease())
	assert.Equal("5.15.0-91", v.String())

	v, err = Parse("3.10")
	assert.NoError(err)
	assert.Equal("3.10.0-0", v.String())
	assert.True(Must("3.10.0-1160") < Must("3.11"))

	_, err = Parse("linux")
	assert.Error(err)
	assert.Panics(func() { Must("") })
}

func TestAtLeast(t *testing.T) {
	assert := assert.New(t)
	assert.True(Must("5.5.0-100").AtLeast("5.5"))
	assert.True(Must("6.1.2").AtLeast("5.5"))
	assert.False(Must("5.4.250").AtLeast("5.5"))
	assert.False(Must("4.19").AtLeast("5.5"))
}
