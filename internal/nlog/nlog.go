// Package nlog is a small leveled wrapper over the standard log package.
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Verbosity is set via SetVerbosity and read with FastV; Infoln/Infof do
// not check it themselves, call sites gate on FastV.
var verbosity atomic.Int32

var std = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

func SetVerbosity(v int32) { verbosity.Store(v) }

// FastV reports whether the current verbosity is at least lvl; call
// sites use it to skip building a log line that would be discarded.
func FastV(lvl int32) bool { return verbosity.Load() >= lvl }

func Infoln(v ...any)                { std.Println(append([]any{"I:"}, v...)...) }
func Infof(format string, v ...any)   { std.Printf("I: "+format+"\n", v...) }
func Warningln(v ...any)              { std.Println(append([]any{"W:"}, v...)...) }
func Warningf(format string, v ...any) { std.Printf("W: "+format+"\n", v...) }
func Errorln(v ...any)                { std.Println(append([]any{"E:"}, v...)...) }
func Errorf(format string, v ...any)  { std.Printf("E: "+format+"\n", v...) }

// Fatal logs and exits; reserved for unrecoverable startup errors.
func Fatal(v ...any) {
	std.Println(append([]any{"FATAL:"}, v...)...)
	os.Exit(1)
}

func Stringer(s fmt.Stringer) string { return s.String() }
