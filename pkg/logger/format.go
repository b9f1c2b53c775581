package logger

import (
	"fmt"
	"strings"
)

func sprintf(format string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
