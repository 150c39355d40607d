package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
)

const jsonPeerPath = "peers.json"

// Seed is a node address the local node should try to reach on startup.
type Seed struct {
	NetAddr string `json:"NetAddr"`
	Moniker string `json:"Moniker,omitempty"`
}

// JSONSeeds provides seed persistence on disk in the form of a JSON file. This
// allows human operators to manipulate the file.
type JSONSeeds struct {
	l    sync.Mutex
	path string
}

// NewJSONSeeds creates a new JSONSeeds store under base.
func NewJSONSeeds(base string) *JSONSeeds {
	return &JSONSeeds{
		path: filepath.Join(base, jsonPeerPath),
	}
}

// Seeds reads the file. A missing or empty file yields no seeds.
func (j *JSONSeeds) Seeds() ([]Seed, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, nil
	}

	var seeds []Seed
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&seeds); err != nil {
		return nil, err
	}

	return seeds, nil
}

// Addresses returns the non-empty addresses of the seeds.
func (j *JSONSeeds) Addresses() ([]string, error) {
	seeds, err := j.Seeds()
	if err != nil {
		return nil, err
	}

	res := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s.NetAddr != "" {
			res = append(res, s.NetAddr)
		}
	}
	return res, nil
}

// SetSeeds overwrites the file.
func (j *JSONSeeds) SetSeeds(seeds []Seed) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(seeds); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0644)
}
