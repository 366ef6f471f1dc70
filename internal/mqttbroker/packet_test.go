package mqttbroker

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRoundTrip(t *testing.T) {
	payload := []byte(`{"beaconData":{"trackerId":"b1","latitude":37.0}}`)
	packet, err := encodePublish("stations/dev1/report", payload)
	require.NoError(t, err)

	header, body, err := readPacket(bufio.NewReader(bytes.NewReader(packet)))
	require.NoError(t, err)
	assert.Equal(t, byte(packetPublish), header>>4)

	msg, err := decodePublish(header, body)
	require.NoError(t, err)
	assert.Equal(t, "stations/dev1/report", msg.Topic)
	assert.Equal(t, payload, msg.Payload)
}

func TestDecodePublishRejectsNonzeroQoS(t *testing.T) {
	packet, err := encodePublish("stations/dev1/report", []byte("{}"))
	require.NoError(t, err)

	header, body, err := readPacket(bufio.NewReader(bytes.NewReader(packet)))
	require.NoError(t, err)

	_, err = decodePublish(header|0x02, body)
	assert.Error(t, err)
}

func TestEncodeLength(t *testing.T) {
	cases := map[int][]byte{
		0:      {0x00},
		127:    {0x7F},
		128:    {0x80, 0x01},
		16383:  {0xFF, 0x7F},
		16384:  {0x80, 0x80, 0x01},
		200000: {0xC0, 0x9A, 0x0C},
	}
	for length, want := range cases {
		assert.Equal(t, want, encodeLength(length), "length %d", length)
	}
}

func TestReadLengthRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 127, 128, 300, 16383, 16384, 1 << 20} {
		r := bufio.NewReader(bytes.NewReader(encodeLength(length)))
		got, err := readLength(r)
		require.NoError(t, err)
		assert.Equal(t, length, got)
	}
}

func TestReadPacketRejectsOversizedLength(t *testing.T) {
	packet := append([]byte{packetPublish << 4}, encodeLength(maxPacketSize+1)...)
	r := bufio.NewReader(bytes.NewReader(packet))
	_, _, err := readPacket(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestReadLengthMalformed(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x01}))
	_, err := readLength(r)
	assert.Error(t, err)
}

func TestDecoderString(t *testing.T) {
	d := &decoder{buf: []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04}}
	s, err := d.string()
	require.NoError(t, err)
	assert.Equal(t, "MQTT", s)

	level, err := d.byte()
	require.NoError(t, err)
	assert.Equal(t, byte(4), level)
	assert.Equal(t, 0, d.remaining())

	_, err = d.byte()
	assert.Error(t, err)
}
