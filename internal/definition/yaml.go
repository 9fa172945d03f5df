package definition

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/runtime"
)

// YAMLParser parses .yaml and .yml resources.
type YAMLParser struct {
	Registry *behavior.Registry
}

// DecodeYAML decodes a YAML document. Unknown fields are rejected.
func DecodeYAML(content []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return doc, fault.Validation("empty process document")
		}
		return doc, fault.Validation("invalid process document: %v", err)
	}
	return doc, nil
}

// Parse implements runtime.Parser.
func (p YAMLParser) Parse(name string, content []byte) ([]*runtime.ProcessDefinition, error) {
	doc, err := DecodeYAML(content)
	if err != nil {
		return nil, err
	}
	return Build(p.Registry, doc)
}
