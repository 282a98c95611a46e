package realtime

import (
	"log"
	"os"
	"strings"
)

var realtimeDebugEnabled = strings.EqualFold(os.Getenv("STORYWEAVE_DEBUG"), "1")

func debugf(format string, args ...interface{}) {
	if realtimeDebugEnabled {
		log.Printf(format, args...)
	}
}
