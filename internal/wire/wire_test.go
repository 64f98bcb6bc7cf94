package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakePrefaceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshakePreface(&buf))

	got := buf.Bytes()
	require.Len(t, got, 18)
	assert.Equal(t, NBDMagic, beUint64(got[0:8]))
	assert.Equal(t, IHaveOpt, beUint64(got[8:16]))
	assert.Equal(t, HandshakeFlagFixedNewstyle, beUint16(got[16:18]))
}

func TestProtocolMagicsMatchSpec(t *testing.T) {
	assert.Equal(t, uint64(0x4e42444d41474943), NBDMagic)
	assert.Equal(t, uint64(0x49484156454f5054), IHaveOpt)
	assert.Equal(t, uint64(0x0003e889045565a9), OptMagic)
	assert.Equal(t, OptMagic, ReplyMagic)
}

func TestReadGoOption(t *testing.T) {
	name := "alpha"
	payload := buildGoPayload(name, nil)

	req, err := ReadGoOption(bytes.NewReader(payload), uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, name, req.Name)
}

func TestReadGoOptionRejectsTruncatedPayload(t *testing.T) {
	_, err := ReadGoOption(bytes.NewReader([]byte{0, 0}), 2)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestReadOptionHeaderRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	writeUint64(&buf, IHaveOpt)
	writeUint32(&buf, uint32(OptGo))
	writeUint32(&buf, MaxOptionLength+1)

	_, err := ReadOptionHeader(&buf)
	require.Error(t, err)
}

func TestCommandRoundTripRead(t *testing.T) {
	var buf bytes.Buffer
	writeUint32(&buf, RequestMagic)
	writeUint16(&buf, 0)
	writeUint16(&buf, uint16(CmdRead))
	writeUint64(&buf, 0xdeadbeef)
	writeUint64(&buf, 4096)
	writeUint32(&buf, 512)

	cmd, err := ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdRead, cmd.Type)
	assert.Equal(t, uint64(0xdeadbeef), cmd.Handle)
	assert.Equal(t, uint64(4096), cmd.Offset)
	assert.Equal(t, uint32(512), cmd.Length)
	assert.Nil(t, cmd.Data)
}

func TestCommandReadWritePayload(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	var buf bytes.Buffer
	writeUint32(&buf, RequestMagic)
	writeUint16(&buf, 0)
	writeUint16(&buf, uint16(CmdWrite))
	writeUint64(&buf, 7)
	writeUint64(&buf, 0)
	writeUint32(&buf, uint32(len(payload)))
	buf.Write(payload)

	cmd, err := ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdWrite, cmd.Type)
	assert.Equal(t, payload, cmd.Data)
}

func TestSimpleReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSimpleReply(&buf, 99, ErrnoOK, []byte("hello")))

	got := buf.Bytes()
	assert.Equal(t, SimpleReplyMagic, beUint32(got[0:4]))
	assert.Equal(t, ErrnoOK, beUint32(got[4:8]))
	assert.Equal(t, uint64(99), beUint64(got[8:16]))
	assert.Equal(t, "hello", string(got[16:]))
}

func TestExportInfoCarriesTransmissionFlags(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteExportInfo(&buf, OptGo, 1<<30))

	got := buf.Bytes()
	// header is 20 bytes, payload starts after
	payload := got[20:]
	assert.Equal(t, InfoExport, beUint16(payload[0:2]))
	assert.Equal(t, uint64(1<<30), beUint64(payload[2:10]))
	assert.Equal(t, TransmissionFlags, beUint16(payload[10:12]))
}

// --- test helpers, independent of the package's own encode functions ---

func buildGoPayload(name string, infoReqs []uint16) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(name)))
	buf.WriteString(name)
	writeUint16(&buf, uint16(len(infoReqs)))
	for _, r := range infoReqs {
		writeUint16(&buf, r)
	}
	return buf.Bytes()
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.Write([]byte{byte(v >> 8), byte(v)})
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	for i := 7; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * uint(i))))
	}
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
