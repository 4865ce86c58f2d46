package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
)

func TestTagServerAddsIdentifier(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	initLogger(&buf, "stubserver", true)
	TagServer("")
	TagServer("corenlp-de")
	log.Info().Msg("ready")

	line := buf.String()
	if !strings.Contains(line, "app=stubserver") || !strings.Contains(line, "server_id=corenlp-de") {
		t.Fatalf("missing tags in %q", line)
	}
	if strings.Count(line, "server_id=") != 1 {
		t.Fatalf("empty id should not add a field: %q", line)
	}
}
