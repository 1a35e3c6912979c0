package mapping

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const exportSchemaURL = "https://attachsync.local/schemas/mapping_export.json"

//go:embed mapping_export.schema.json
var exportSchemaJSON []byte

var (
	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

type exportDocument struct {
	Mappings []Record `json:"mappings"`
}

func compiledExportSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(exportSchemaJSON))
		if err != nil {
			exportSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(exportSchemaURL, doc); err != nil {
			exportSchemaErr = err
			return
		}
		exportSchema, exportSchemaErr = compiler.Compile(exportSchemaURL)
	})
	return exportSchema, exportSchemaErr
}

// ReadJSON decodes a {"mappings": [...]} export after validating it against
// the embedded schema.
func ReadJSON(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	schema, err := compiledExportSchema()
	if err != nil {
		return nil, fmt.Errorf("compile mapping export schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: mapping export is not valid json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: mapping export failed schema validation: %v", ErrInvalidInput, err)
	}
	var doc exportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Mappings == nil {
		doc.Mappings = []Record{}
	}
	return doc.Mappings, nil
}

func WriteJSON(w io.Writer, rows []Record) error {
	if rows == nil {
		rows = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exportDocument{Mappings: rows})
}
