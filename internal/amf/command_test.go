package amf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeCommandRecoversNameTransIDAndExtras(t *testing.T) {
	obj := NewObject()
	obj.Set("app", NewString("live"))

	payload := EncodeCommand("publish", 3, NewObjectValue(obj), NewString("mykey"), NewString("live"))

	cmd := DecodeCommand(payload)

	assert.Equal(t, "publish", cmd.Name)
	assert.Equal(t, float64(3), cmd.TransactionID)
	assert.Equal(t, "live", cmd.CmdObject.GetProperty("app").GetString())
	assert.Equal(t, "mykey", cmd.Arg(0).GetString())
	assert.Equal(t, "live", cmd.Arg(1).GetString())
}

func TestCommandArgOutOfRangeReturnsUndefined(t *testing.T) {
	cmd := DecodeCommand(EncodeCommand("createStream", 2, nil))
	assert.True(t, cmd.Arg(5).IsUndefined())
}

func TestDecodeDataRecoversMetadataObject(t *testing.T) {
	meta := NewObject()
	meta.Set("width", NewNumber(1920))

	payload := EncodeData("@setDataFrame", NewString("onMetaData"), NewObjectValue(meta))

	data := DecodeData(payload)

	assert.Equal(t, "@setDataFrame", data.Tag)
	assert.Equal(t, float64(1920), data.Object().GetProperty("width").GetDouble())
}
