package feeder

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// readStructured decodes a YAML sequence. JSON arrays parse as YAML flow
// sequences.
func readStructured(path string) ([]Credential, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials file: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)

	var creds []Credential
	if err := dec.Decode(&creds); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
