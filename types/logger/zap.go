// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package logger

import (
	"strings"

	"go.uber.org/zap"
)

// FromZap returns a Logf that writes to zl, mapping the verbosity prefix
// of each format to a zap level: "[v2] " is Debug, "[v1] " is Info and
// anything else is Error.
func FromZap(zl *zap.SugaredLogger) Logf {
	return func(format string, args ...any) {
		format = noopFormatRemover.Replace(format)
		args = dropNoop(args)
		switch {
		case strings.HasPrefix(format, "[v2] "):
			zl.Debugf(strings.TrimPrefix(format, "[v2] "), args...)
		case strings.HasPrefix(format, "[v1] "):
			zl.Infof(strings.TrimPrefix(format, "[v1] "), args...)
		default:
			zl.Errorf(format, args...)
		}
	}
}

func dropNoop(args []any) []any {
	out := args[:0:0]
	for _, a := range args {
		if _, ok := a.(noRateLimit); ok {
			continue
		}
		out = append(out, a)
	}
	return out
}
