// Package logx provides the tagged logger used throughout the runtime,
// matching the teacher's bracketed-component convention
// (log.Printf("[SESSION] ...", ...)) rather than introducing a
// structured-logging dependency.
package logx

import (
	"log"
	"os"
)

// Logger prefixes every line with a bracketed component tag, e.g. [SESSION].
type Logger struct {
	tag string
	std *log.Logger
}

func New(tag string) *Logger {
	return &Logger{
		tag: "[" + tag + "] ",
		std: log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf(l.tag+format, args...)
}

func (l *Logger) Println(args ...any) {
	all := make([]any, 0, len(args)+1)
	all = append(all, l.tag)
	all = append(all, args...)
	l.std.Println(all...)
}

// With returns a child logger that nests a sub-tag under this one, e.g.
// logx.New("SESSION").With("s1") -> "[SESSION][s1] ...".
func (l *Logger) With(subtag string) *Logger {
	return &Logger{
		tag: l.tag[:len(l.tag)-1] + "[" + subtag + "] ",
		std: l.std,
	}
}
