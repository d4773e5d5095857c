package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type checksumInput struct {
	Title        string         `json:"title"`
	WorkerConfig map[string]any `json:"worker_config"`
	Deps         []string       `json:"deps"`
}

// Checksum hashes the fields of a node that affect its output: title, worker
// config and the checksum of every dependency. A change anywhere upstream
// changes the checksum of all descendants.
func (g *Graph) Checksum(id string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[id]; !ok {
		return "", fmt.Errorf("checksum %q: %w", id, ErrUnknownNode)
	}
	return g.checksum(id, make(map[string]string))
}

func (g *Graph) checksum(id string, memo map[string]string) (string, error) {
	if sum, ok := memo[id]; ok {
		return sum, nil
	}
	n := g.nodes[id]

	deps := make([]string, 0, len(n.Deps))
	for _, dep := range n.Deps {
		sum, err := g.checksum(dep, memo)
		if err != nil {
			return "", err
		}
		deps = append(deps, dep+":"+sum)
	}

	cfg := n.WorkerConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	// encoding/json sorts map keys, which keeps the encoding canonical.
	data, err := json.Marshal(checksumInput{Title: n.Title, WorkerConfig: cfg, Deps: deps})
	if err != nil {
		return "", fmt.Errorf("checksum %q: %w", id, err)
	}
	h := sha256.Sum256(data)
	sum := hex.EncodeToString(h[:])
	memo[id] = sum
	return sum, nil
}
