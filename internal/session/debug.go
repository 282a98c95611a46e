package session

import (
	"log"
	"os"
)

var debugEnabled = os.Getenv("STORYWEAVE_DEBUG") == "1"

func debugf(format string, args ...any) {
	if debugEnabled {
		log.Printf("[session] "+format, args...)
	}
}
