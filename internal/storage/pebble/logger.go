package pebblestore

import (
	"fmt"

	"github.com/rzbill/flobuf/pkg/log"
)

// pebbleLogger routes Pebble's printf-style logging into our logger.
type pebbleLogger struct {
	l log.Logger
}

func (p pebbleLogger) Infof(format string, args ...interface{})  { p.l.Debugf(format, args...) }
func (p pebbleLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }

func (p pebbleLogger) Fatalf(format string, args ...interface{}) {
	p.l.Fatal(fmt.Sprintf(format, args...))
}
