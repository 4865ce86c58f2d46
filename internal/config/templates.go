package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "stub":
		return stubTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `server_id = "default"
host = "127.0.0.1"
port = 9000
start_mode = "try"
startup_timeout = "120s"
request_timeout = "60s"
max_retries = 3
annotators = "tokenize,ssplit"
output_format = "serialized"

[java]
memory = "5G"
threads = 5
max_char_length = 100000
quiet = true
preload = ["tokenize", "ssplit"]

[properties.fr-custom]
annotators = "tokenize,ssplit,pos"
outputFormat = "json"
pipelineLanguage = "french"
tokenize.language = "fr"

[property_files]
`

const stubTemplate = `id = "stubserver"
addr = "127.0.0.1:9000"
shutdown_key = "change-me"
cors_origins = []
max_body_size = 1048576
`
