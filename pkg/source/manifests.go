package source

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
)

// LoadManifests walks a directory tree and decodes every YAML/JSON document
// it finds into unstructured objects. Multi-document streams are split;
// documents without a kind are skipped.
func LoadManifests(root string) ([]*unstructured.Unstructured, error) {
	var objs []*unstructured.Unstructured

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			// The .git directory is not part of the manifest tree.
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".json":
		default:
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		dec := k8syaml.NewYAMLOrJSONDecoder(bytes.NewReader(content), 4096)
		for {
			var obj unstructured.Unstructured
			if err := dec.Decode(&obj); err != nil {
				if err == io.EOF {
					break
				}
				return fmt.Errorf("failed to decode %s: %w", path, err)
			}
			if len(obj.Object) == 0 || obj.GetKind() == "" {
				continue
			}
			objs = append(objs, &obj)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return objs, nil
}
