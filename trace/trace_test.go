// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package trace

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"
)

func TestLogSinkFormat(t *testing.T) {
	var buf bytes.Buffer
	prevOut := log.Writer()
	prevFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}()

	LogSink{}.Emit(Event{
		TraceID:     "run-1",
		Fingerprint: "counter()@per-run",
		Action:      ActionResolved,
		Timestamp:   time.Now(),
	})
	got := buf.String()
	if !strings.Contains(got, "[TRACE] run run-1: resolved counter()@per-run") {
		t.Errorf("wrong log line: %q", got)
	}
}
