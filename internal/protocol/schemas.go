package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*jsonschema.Schema
)

const schemaBase = "https://pixelcanvas.ai/schemas/"

var schemaFiles = map[string]string{
	TypeSubscribe:   "subscribe.schema.json",
	TypeSubmit:      "submit.schema.json",
	TypeUpdate:      "event.schema.json",
	TypeBatchUpdate: "event.schema.json",
}

func loadSchemas() {
	c := jsonschema.NewCompiler()
	added := map[string]bool{}
	for _, name := range schemaFiles {
		if added[name] {
			continue
		}
		added[name] = true
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("%s: %w", name, err)
			return
		}
	}
	schemas = map[string]*jsonschema.Schema{}
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			schemaErr = fmt.Errorf("%s: %w", name, err)
			return
		}
		schemas[typ] = s
	}
}

// Validate checks raw against the schema registered for msgType. Types
// without a schema pass.
func Validate(msgType string, raw []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := schemas[msgType]
	if !ok {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}
