package embedding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// manifest is the model.json descriptor a model directory must carry.
type manifest struct {
	Type string `json:"type"`
	Dims int    `json:"dims"`
}

// LoadModel resolves the configured model. An empty directory yields the
// built-in hashing model; a directory must hold a model.json naming a
// supported type.
func LoadModel(dir string, maxTokens int) (Model, error) {
	if dir == "" {
		return NewHashingModel(0, maxTokens), nil
	}
	var raw, err = os.ReadFile(filepath.Join(dir, "model.json"))
	if err != nil {
		return nil, fmt.Errorf("reading model manifest: %w", err)
	}
	var m manifest
	if err = json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing model manifest: %w", err)
	}
	switch m.Type {
	case "", "hashing":
		log.WithFields(log.Fields{"dir": dir, "dims": m.Dims}).Info("loaded embedding model")
		return NewHashingModel(m.Dims, maxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", m.Type)
	}
}
