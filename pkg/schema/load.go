package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a schema from a .yaml/.yml or .hcl file and checks it.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".hcl":
		return ParseHCL(data, path)
	default:
		return nil, fmt.Errorf("unsupported schema file extension %q", filepath.Ext(path))
	}
}

// ParseYAML decodes a YAML schema document.
//
//	strict: true
//	objects:
//	  pserver:
//	    properties:
//	      name: {kind: STRING, required: true}
//	relationships:
//	  runsOn:
//	    endpoints:
//	      - {source: vserver, target: pserver}
func ParseYAML(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema YAML: %w", err)
	}
	normalizeKinds(&s)
	if err := s.Check(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &s, nil
}

// hclSchemaFile is the top-level structure of an HCL schema file.
type hclSchemaFile struct {
	Strict        bool              `hcl:"strict,optional"`
	Objects       []hclObject       `hcl:"object,block"`
	Relationships []hclRelationship `hcl:"relationship,block"`
}

type hclObject struct {
	Type       string        `hcl:"type,label"`
	Properties []hclProperty `hcl:"property,block"`
}

type hclRelationship struct {
	Type            string        `hcl:"type,label"`
	ForbidSelfLoops bool          `hcl:"forbid_self_loops,optional"`
	Endpoints       []hclEndpoint `hcl:"endpoint,block"`
	Properties      []hclProperty `hcl:"property,block"`
}

type hclProperty struct {
	Name     string `hcl:"name,label"`
	Kind     string `hcl:"kind,optional"`
	Required bool   `hcl:"required,optional"`
}

type hclEndpoint struct {
	Source string `hcl:"source"`
	Target string `hcl:"target"`
}

// ParseHCL decodes an HCL schema document. filename is used in diagnostics.
//
//	strict = true
//
//	object "pserver" {
//	  property "name" {
//	    kind     = "STRING"
//	    required = true
//	  }
//	}
//
//	relationship "runsOn" {
//	  endpoint {
//	    source = "vserver"
//	    target = "pserver"
//	  }
//	}
func ParseHCL(data []byte, filename string) (*Schema, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL schema %s: %w", filename, diags)
	}

	var parsed hclSchemaFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL schema %s: %w", filename, diags)
	}

	s := &Schema{Strict: parsed.Strict}
	if len(parsed.Objects) > 0 {
		s.Objects = make(map[string]ObjectConstraint, len(parsed.Objects))
	}
	for _, o := range parsed.Objects {
		if _, dup := s.Objects[o.Type]; dup {
			return nil, fmt.Errorf("object %q declared twice in %s", o.Type, filename)
		}
		s.Objects[o.Type] = ObjectConstraint{Properties: hclRules(o.Properties)}
	}
	if len(parsed.Relationships) > 0 {
		s.Relationships = make(map[string]RelationshipConstraint, len(parsed.Relationships))
	}
	for _, r := range parsed.Relationships {
		if _, dup := s.Relationships[r.Type]; dup {
			return nil, fmt.Errorf("relationship %q declared twice in %s", r.Type, filename)
		}
		c := RelationshipConstraint{
			Properties:      hclRules(r.Properties),
			ForbidSelfLoops: r.ForbidSelfLoops,
		}
		for _, e := range r.Endpoints {
			c.Endpoints = append(c.Endpoints, EndpointPair{Source: e.Source, Target: e.Target})
		}
		s.Relationships[r.Type] = c
	}

	normalizeKinds(s)
	if err := s.Check(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return s, nil
}

func hclRules(props []hclProperty) map[string]PropertyRule {
	if len(props) == 0 {
		return nil
	}
	rules := make(map[string]PropertyRule, len(props))
	for _, p := range props {
		rules[p.Name] = PropertyRule{Kind: Kind(p.Kind), Required: p.Required}
	}
	return rules
}

// normalizeKinds upper-cases kinds so files may write "string" or "STRING".
func normalizeKinds(s *Schema) {
	for typ, c := range s.Objects {
		upperRules(c.Properties)
		s.Objects[typ] = c
	}
	for typ, c := range s.Relationships {
		upperRules(c.Properties)
		s.Relationships[typ] = c
	}
}

func upperRules(rules map[string]PropertyRule) {
	for name, r := range rules {
		r.Kind = Kind(strings.ToUpper(string(r.Kind)))
		rules[name] = r
	}
}
