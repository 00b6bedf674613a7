package armhook

// debug.go - debug log channel
//
// Errors returned to callers name the failed step and wrap a sentinel
// cause; the step-by-step detail (slice addresses, destinations,
// prologue bytes) lands here. Enable with ARMHOOK_DEBUG=1.

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"
)

var debugLog = newDebugLogger()

func newDebugLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if env.Bool("ARMHOOK_DEBUG") {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

func debugEnabled() bool {
	return debugLog.IsLevelEnabled(logrus.DebugLevel)
}

// hexdump renders prologue bytes the way the debug channel prints
// them: "0x04 0xb0 ...".
func hexdump(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "0x%02x", c)
	}
	return sb.String()
}
