package session

import (
	"testing"

	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Op: OpUpload, Filename: "report.pdf", Protocol: config.StopAndWait},
		{Op: OpDownload, Filename: "", Protocol: config.SelectiveRepeat},
	}
	for _, r := range cases {
		got, err := DecodeRequest(EncodeRequest(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
}

func TestDecodeRequestRejectsTruncatedFilename(t *testing.T) {
	b := EncodeRequest(Request{Op: OpUpload, Filename: "hello.txt", Protocol: config.StopAndWait})
	_, err := DecodeRequest(b[:len(b)-3])
	assert.Error(t, err)
}

func TestGrantRoundTrip(t *testing.T) {
	got, err := DecodeGrant(EncodeGrant(123456))
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), got)
}
