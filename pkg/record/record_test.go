package record

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestLayout(t *testing.T) {
	assert := assert.New(t)
	r := Record{
		Address:   0x0a000005,
		Port:      22,
		PID:       4242,
		Kind:      KindAttempt,
		Flags:     FlagDegraded,
		Timestamp: 0x0102030405060708,
	}
	data, err := r.MarshalBinary()
	assert.NoError(err)
	assert.Equal([]byte{
		0x05, 0x00, 0x00, 0x0a,
		0x16, 0x00, 0x00, 0x00,
		0x92, 0x10, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x00,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}, data)

	decoded, err := Decode(data)
	assert.NoError(err)
	assert.Equal(r, decoded)
	assert.True(decoded.Degraded())
	assert.Equal("10.0.0.5", decoded.IP().String())
	assert.Equal("attempt 10.0.0.5:22 pid=4242 ts=72623859790382856 degraded",
		decoded.String())
}

func TestDecodeShort(t *testing.T) {
	assert := assert.New(t)
	_, err := Decode(make([]byte, Size-1))
	assert.Error(err)
	assert.True(errors.Is(err, ErrShortRecord))
}

func TestKindString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("attempt", KindAttempt.String())
	assert.Equal("failure", KindFailure.String())
	assert.Equal("success", KindSuccess.String())
	assert.Equal("kind(9)", Kind(9).String())
}
