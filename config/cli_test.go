package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var addr string
	AddrFlag(fs, &addr, "ws-addr", "0.0.0.0:8080", "")

	require.NoError(t, fs.Parse([]string{"-ws-addr", "127.0.0.1:9090"}))
	require.Equal(t, "127.0.0.1:9090", addr)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	AddrFlag(fs, &addr, "ws-addr", "0.0.0.0:8080", "")
	require.Error(t, fs.Parse([]string{"-ws-addr", "not-an-address"}))
}

func TestSizeCaps(t *testing.T) {
	cli := Cli{MaxFileSizeMB: 500, WSMaxFrameMB: 512}
	require.Equal(t, int64(500*1024*1024), cli.MaxFileSizeBytes())
	require.Equal(t, int64(512*1024*1024), cli.MaxFrameBytes())
}

func TestRandomTrailer(t *testing.T) {
	s := RandomTrailer(8)
	require.Len(t, s, 8)
	for _, c := range s {
		require.Contains(t, "abcdefghijklmnopqrstuvwxyz0123456789", string(c))
	}
}
