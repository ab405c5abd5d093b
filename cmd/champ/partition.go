package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/champ/pkg/model"
)

// partitionFile is the YAML form of a partition accepted by "champ apply".
//
//	mutations:
//	  - op: upsert_object
//	    ref: h1
//	    type: pserver
//	    properties: {name: host1}
//	  - op: upsert_relationship
//	    type: runs_on
//	    source: {ref: vm1}
//	    target: {ref: h1}
//	  - op: delete_object
//	    key: 0190c0de-...
//
// A ref is a file-local alias for an object upserted earlier in the same
// file. Endpoints may use either ref or key.
type partitionFile struct {
	Mutations []mutationSpec `yaml:"mutations"`
}

type mutationSpec struct {
	Op         string         `yaml:"op"`
	Ref        string         `yaml:"ref"`
	Type       string         `yaml:"type"`
	Key        string         `yaml:"key"`
	Source     endpointSpec   `yaml:"source"`
	Target     endpointSpec   `yaml:"target"`
	Properties map[string]any `yaml:"properties"`
}

type endpointSpec struct {
	Ref string `yaml:"ref"`
	Key string `yaml:"key"`
}

func loadPartitionFile(path string) (*model.Partition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading partition %s: %w", path, err)
	}
	p, err := parsePartition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func parsePartition(data []byte) (*model.Partition, error) {
	var f partitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing partition: %w", err)
	}

	refs := make(map[string]*model.Object)
	muts := make([]model.Mutation, 0, len(f.Mutations))
	for i, ms := range f.Mutations {
		m, err := ms.build(refs)
		if err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i, err)
		}
		muts = append(muts, m)
	}
	return model.NewPartition(model.PartitionConfig{Mutations: muts})
}

func (ms mutationSpec) build(refs map[string]*model.Object) (model.Mutation, error) {
	switch strings.ToLower(ms.Op) {
	case "upsert_object":
		obj, err := model.NewObject(model.ObjectConfig{
			Type:       ms.Type,
			Key:        model.Key(ms.Key),
			Properties: ms.Properties,
		})
		if err != nil {
			return model.Mutation{}, err
		}
		if ms.Ref != "" {
			if _, dup := refs[ms.Ref]; dup {
				return model.Mutation{}, fmt.Errorf("ref %q defined twice", ms.Ref)
			}
			refs[ms.Ref] = obj
		}
		return model.UpsertObject(obj), nil

	case "upsert_relationship":
		src, err := ms.Source.resolve(refs)
		if err != nil {
			return model.Mutation{}, fmt.Errorf("source: %w", err)
		}
		tgt, err := ms.Target.resolve(refs)
		if err != nil {
			return model.Mutation{}, fmt.Errorf("target: %w", err)
		}
		rel, err := model.NewRelationship(model.RelationshipConfig{
			Type:       ms.Type,
			Key:        model.Key(ms.Key),
			Source:     src,
			Target:     tgt,
			Properties: ms.Properties,
		})
		if err != nil {
			return model.Mutation{}, err
		}
		return model.UpsertRelationship(rel), nil

	case "delete_object", "delete_relationship":
		if ms.Key == "" {
			return model.Mutation{}, fmt.Errorf("%s needs a key", ms.Op)
		}
		if strings.EqualFold(ms.Op, "delete_object") {
			return model.DeleteObject(model.Key(ms.Key)), nil
		}
		return model.DeleteRelationship(model.Key(ms.Key)), nil
	}
	return model.Mutation{}, fmt.Errorf("unknown op %q", ms.Op)
}

func (e endpointSpec) resolve(refs map[string]*model.Object) (model.ObjectRef, error) {
	switch {
	case e.Ref != "" && e.Key != "":
		return model.ObjectRef{}, fmt.Errorf("set ref or key, not both")
	case e.Ref != "":
		obj, ok := refs[e.Ref]
		if !ok {
			return model.ObjectRef{}, fmt.Errorf("unknown ref %q", e.Ref)
		}
		return model.RefTo(obj), nil
	case e.Key != "":
		return model.RefKey(model.Key(e.Key)), nil
	}
	return model.ObjectRef{}, fmt.Errorf("ref or key is required")
}
