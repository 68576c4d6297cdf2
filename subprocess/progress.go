package subprocess

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// ffmpeg interleaves two kinds of lines on stderr: its normal log output
// (which carries the input duration and, on status lines, a time= field) and
// the key=value blocks requested with -progress pipe:2. The parser feeds on
// both to keep a percentage moving even for encoders that stall one of the
// two channels.

const emitInterval = 500 * time.Millisecond

var (
	durationRE = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timeRE     = regexp.MustCompile(`\btime=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	clockRE    = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	// Lines of the -progress block, e.g. "out_time_ms=1500000" or
	// "progress=continue". These never belong in the client-facing log.
	progressKeyRE = regexp.MustCompile(`^[a-z_0-9]+=`)
)

type progressParser struct {
	clock clock.Clock
	emit  func(percent float64, logLine string)

	durationSeconds float64
	elapsedSeconds  float64
	lastLogLine     string

	emittedPercent float64
	lastEmitAt     time.Time
	emittedAny     bool
}

// newProgressParser builds a parser that reports completion percentages via
// emit. durationHint seeds the denominator when the caller probed the input;
// otherwise the Duration line of ffmpeg's banner fixes it, first one wins.
func newProgressParser(clk clock.Clock, durationHint float64, emit func(percent float64, logLine string)) *progressParser {
	return &progressParser{
		clock:           clk,
		emit:            emit,
		durationSeconds: durationHint,
	}
}

func (p *progressParser) consumeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	switch {
	case strings.HasPrefix(line, "out_time_ms="):
		// Despite the name this field holds microseconds.
		if v, err := strconv.ParseFloat(line[len("out_time_ms="):], 64); err == nil {
			p.advance(v / 1e6)
		}
		return
	case strings.HasPrefix(line, "out_time="):
		if secs, ok := parseClock(clockRE, strings.TrimPrefix(line, "out_time=")); ok {
			p.advance(secs)
		}
		return
	case strings.HasPrefix(line, "progress=end"):
		p.advance(p.durationSeconds)
		return
	}

	if p.durationSeconds == 0 {
		if secs, ok := parseClock(durationRE, line); ok {
			p.durationSeconds = secs
			return
		}
	}
	if secs, ok := parseClock(timeRE, line); ok {
		p.advance(secs)
		return
	}
	if progressKeyRE.MatchString(line) {
		return
	}
	p.lastLogLine = line
}

// advance moves the numerator forward and emits a progress callback when a
// whole percent is crossed or the throttle interval has elapsed. The reported
// percentage is clamped to [0, 100] and never regresses.
func (p *progressParser) advance(elapsed float64) {
	if elapsed > p.elapsedSeconds {
		p.elapsedSeconds = elapsed
	}
	if p.durationSeconds <= 0 {
		return
	}
	percent := p.elapsedSeconds / p.durationSeconds * 100
	if percent > 100 {
		percent = 100
	}
	if percent <= p.emittedPercent && p.emittedAny {
		return
	}
	now := p.clock.Now()
	crossedWhole := int(percent) > int(p.emittedPercent) || !p.emittedAny
	if !crossedWhole && now.Sub(p.lastEmitAt) < emitInterval {
		return
	}
	p.emittedPercent = percent
	p.lastEmitAt = now
	p.emittedAny = true
	p.emit(percent, p.lastLogLine)
}

// parseClock extracts a HH:MM:SS.cc timestamp using re, which must capture
// hours, minutes and fractional seconds in that order.
func parseClock(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, err1 := strconv.ParseFloat(m[1], 64)
	minutes, err2 := strconv.ParseFloat(m[2], 64)
	seconds, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return hours*3600 + minutes*60 + seconds, true
}
