package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const inboundSchemaURL = "avatarcore://inbound.json"

//go:embed schema/inbound.json
var inboundSchemaJSON []byte

var inboundSchema = mustCompileInbound()

func mustCompileInbound() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(inboundSchemaURL, bytes.NewReader(inboundSchemaJSON)); err != nil {
		panic(fmt.Sprintf("add inbound schema: %v", err))
	}
	schema, err := compiler.Compile(inboundSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("compile inbound schema: %v", err))
	}
	return schema
}

func validateInbound(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return inboundSchema.Validate(payload)
}
