package manifest

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"example.com/accgate/internal/common"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

type Manifest struct {
	CreatedAt time.Time `json:"createdAt"`
	ShaAlgo   string    `json:"shaAlgo"`
	Items     []Item    `json:"items"`
}

// Build hashes every listed artifact of a validation run so the bundle can
// be verified later.
func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, err
		}
		typ := "other"
		switch {
		case hasExt(p, ".dbc"):
			typ = "catalog"
		case hasExt(p, ".asc", ".log"):
			typ = "trace"
		case hasExt(p, ".ndjson"):
			typ = "ndjson"
		case hasExt(p, ".json"):
			typ = "json"
		case hasExt(p, ".pdf"):
			typ = "pdf"
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: typ})
	}
	return m, nil
}

func hasExt(path string, exts ...string) bool {
	for _, e := range exts {
		if strings.HasSuffix(path, e) {
			return true
		}
	}
	return false
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// Verify re-hashes every item and reports the paths whose content changed
// or disappeared since the manifest was built.
func Verify(m Manifest) []string {
	var bad []string
	for _, item := range m.Items {
		hex, sz, err := common.Sha256OfFile(item.Path)
		if err != nil || hex != item.Sha256 || sz != item.Size {
			bad = append(bad, item.Path)
		}
	}
	return bad
}
