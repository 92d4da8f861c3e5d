package amf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmf0RoundTripPrimitives(t *testing.T) {
	cases := []*Value{
		NewNumber(3.1415),
		NewBool(true),
		NewBool(false),
		NewString("publish"),
		NewNull(),
	}

	for _, v := range cases {
		encoded := EncodeOne(v)
		stream := NewDecodingStream(encoded)
		decoded := stream.ReadOne()

		assert.Equal(t, v.Type(), decoded.Type())
		if v.Type() == Amf0TypeNumber {
			assert.Equal(t, v.GetDouble(), decoded.GetDouble())
		}
		if v.Type() == Amf0TypeBool {
			assert.Equal(t, v.GetBool(), decoded.GetBool())
		}
		if v.Type() == Amf0TypeString {
			assert.Equal(t, v.GetString(), decoded.GetString())
		}
	}
}

func TestAmf0ObjectPreservesKeyOrder(t *testing.T) {
	o := NewObject()
	o.Set("width", NewNumber(1920))
	o.Set("height", NewNumber(1080))
	o.Set("codec", NewString("avc1"))

	encoded := EncodeOne(NewObjectValue(o))

	stream := NewDecodingStream(encoded)
	decoded := stream.ReadOne()

	require.Equal(t, byte(Amf0TypeObject), decoded.Type())
	assert.Equal(t, []string{"width", "height", "codec"}, decoded.GetObject().Keys())
	assert.Equal(t, float64(1920), decoded.GetObject().Get("width").GetDouble())
	assert.Equal(t, "avc1", decoded.GetObject().Get("codec").GetString())
}

func TestAmf0ObjectDecodeConsumesTerminator(t *testing.T) {
	o := NewObject()
	o.Set("a", NewNumber(1))

	var buf []byte
	buf = append(buf, EncodeOne(NewObjectValue(o))...)
	buf = append(buf, EncodeOne(NewString("next"))...)

	stream := NewDecodingStream(buf)
	first := stream.ReadOne()
	require.Equal(t, byte(Amf0TypeObject), first.Type())

	second := stream.ReadOne()
	require.Equal(t, byte(Amf0TypeString), second.Type())
	assert.Equal(t, "next", second.GetString())
}

func TestAmf0StrictArrayRoundTrip(t *testing.T) {
	arr := []*Value{NewNumber(1), NewNumber(2), NewString("three")}
	v := New(Amf0TypeStrictArr)
	v.array_val = arr

	encoded := EncodeOne(v)
	stream := NewDecodingStream(encoded)
	decoded := stream.ReadOne()

	require.Len(t, decoded.GetArray(), 3)
	assert.Equal(t, float64(1), decoded.GetArray()[0].GetDouble())
	assert.Equal(t, "three", decoded.GetArray()[2].GetString())
}
