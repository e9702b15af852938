package touchview

import "log"

// Set this to true to enable logging
var Logging bool

func logg(fmt string, args ...interface{}) {
	if Logging {
		log.Printf("Touchview: "+fmt, args...)
	}
}

// Sends the index store's log output through logg, so Logging controls it too.
// Errors are always logged.
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	logg("pebble: "+format, args...)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Printf("Touchview: pebble error: "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatalf("Touchview: pebble: "+format, args...)
}
