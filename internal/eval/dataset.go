// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eval

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Item is one dataset entry.
type Item struct {
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth"`
}

// LoadDataset reads JSON Lines, one Item per line. Blank lines are skipped.
func LoadDataset(r io.Reader) ([]Item, error) {
	var items []Item
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(text), &it); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		if strings.TrimSpace(it.Question) == "" || strings.TrimSpace(it.GroundTruth) == "" {
			return nil, fmt.Errorf("dataset line %d: question and ground_truth are required", line)
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("dataset is empty")
	}
	return items, nil
}

// LoadDatasetFile reads a JSON Lines dataset from path.
func LoadDatasetFile(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return LoadDataset(f)
}

// FileCache is a Cache persisted as one JSON object on disk.
type FileCache struct {
	path    string
	mu      sync.Mutex
	entries map[string]ItemResult
}

// OpenFileCache loads path, starting empty when it does not exist.
func OpenFileCache(path string) (*FileCache, error) {
	c := &FileCache{path: path, entries: map[string]ItemResult{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read eval cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("decode eval cache %s: %w", path, err)
	}
	return c, nil
}

func (c *FileCache) Get(key string) (ItemResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok
}

func (c *FileCache) Put(key string, r ItemResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = r
}

// Save writes the cache back to its file.
func (c *FileCache) Save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode eval cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write eval cache: %w", err)
	}
	return nil
}
