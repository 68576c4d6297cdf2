package config

import (
	"flag"
	"fmt"
	"net"
	"time"
)

type Cli struct {
	WSAddr                    string
	InternalAddr              string
	PprofPort                 int
	Workers                   int
	QueueCapacity             int
	JobTimeout                time.Duration
	TerminationGrace          time.Duration
	FFmpegPath                string
	FFprobePath               string
	FFmpegThreads             int
	WorkRoot                  string
	MaxFileSizeMB             int
	CleanupInterval           time.Duration
	JobRetention              time.Duration
	UploadWait                time.Duration
	WSMaxFrameMB              int
	WSPingInterval            time.Duration
	WSPingTimeout             time.Duration
	WSWriteTimeout            time.Duration
	AMQPURL                   string
	MetricsDBConnectionString string
}

// MaxFileSizeBytes is the cap applied to staged inputs, both downloaded and
// uploaded.
func (cli *Cli) MaxFileSizeBytes() int64 {
	return int64(cli.MaxFileSizeMB) << 20
}

// MaxFrameBytes caps inbound websocket frames. Slightly above the input cap so
// a maximal upload plus its frame header still fits.
func (cli *Cli) MaxFrameBytes() int64 {
	return int64(cli.WSMaxFrameMB) << 20
}

func validateAddr(s string, dest *string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", s, err)
	}
	if port == "" {
		return fmt.Errorf("invalid listen address %q: missing port", s)
	}
	_ = host
	*dest = s
	return nil
}

// AddrFlag registers a host:port flag that is validated at parse time.
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	if err := validateAddr(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return validateAddr(s, dest)
	})
}
