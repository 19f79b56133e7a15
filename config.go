// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package nvheap

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/nvheap/nvheap/internal/txn"
)

// SourceConfig describes one I/O source a heap attaches at Open, per
// spec.md §6: "{kind, persistent?, capacity, path-or-memory-handle}".
type SourceConfig struct {
	// ID is the source's stable identifier, referenced by directed
	// allocations and by the durable log.
	ID int32 `json:"id"`
	// Kind is one of "memory", "persistent-memory", "block".
	Kind string `json:"kind"`
	// Path is the backing file for "persistent-memory" and "block"
	// sources; ignored for volatile "memory" sources.
	Path string `json:"path,omitempty"`
	// Capacity is the source's initial size in bytes. Zero for a
	// "memory" source means derive a default from host DRAM.
	Capacity int64 `json:"capacity"`
	// Shadow marks the memory source used to back block-extent
	// shadow pages. When no source sets it, Open uses the first
	// "memory" source in Config.Sources.
	Shadow bool `json:"shadow,omitempty"`
}

// SlabClassConfig registers a fixed-size object class, per spec.md
// §6's "stable numeric id, cell size, alignment, count per extent".
type SlabClassConfig struct {
	ID        uint32 `json:"id"`
	CellSize  int    `json:"cell_size"`
	Alignment int    `json:"alignment"`
	PerExtent int    `json:"per_extent"`
}

// Config is a heap's full configuration, loaded from (or marshaled
// to) YAML via sigs.k8s.io/yaml, the same config-loading library the
// teacher's own go.mod already requires.
type Config struct {
	// PageSize is the I/O granularity block sources round every
	// access up to.
	PageSize int `json:"page_size"`
	// Sources lists every I/O source the heap attaches at Open.
	Sources []SourceConfig `json:"sources"`
	// Slabs registers the fixed-size object classes available for
	// HintSlab allocations.
	Slabs []SlabClassConfig `json:"slabs,omitempty"`
	// Durability selects "buffered" or "synchronous" commit
	// semantics, per spec.md §6.
	Durability string `json:"durability"`
	// EvictionHeadroom is the eviction candidate-set size above which
	// Evictor.NeedsEviction reports that an eviction pass should run.
	EvictionHeadroom int `json:"eviction_headroom"`
	// WALPath is the durable log's backing file. An empty path opens
	// a heap with no durability: nothing survives Close.
	WALPath string `json:"wal_path,omitempty"`

	// Lattices populates the named merge-function registry a host
	// process supplies at Open (spec.md §9: "the naming authority is
	// left to the host"). Not marshaled; set by the embedding
	// program before calling Open.
	Lattices map[string]txn.MergeFunc `json:"-"`
}

// durability parses Config.Durability, defaulting to Buffered.
func (c *Config) durability() (txn.Durability, error) {
	switch c.Durability {
	case "", "buffered":
		return txn.Buffered, nil
	case "synchronous":
		return txn.Synchronous, nil
	default:
		return 0, fmt.Errorf("nvheap: unknown durability mode %q", c.Durability)
	}
}

// LoadConfig parses a YAML (or JSON, a YAML subset) document into a
// Config.
func LoadConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("nvheap: parsing config: %w", err)
	}
	return &c, nil
}

// Marshal renders c back to YAML, e.g. to persist a generated default
// configuration alongside a heap's data files.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// defaultConfig returns a single-source, DRAM-only configuration
// sized from detected host memory, the shape S1's first scenario
// ("Open a DRAM-only heap") exercises.
func defaultConfig() *Config {
	return &Config{
		PageSize: 4096,
		Sources: []SourceConfig{
			{ID: 1, Kind: "memory", Capacity: defaultMemorySourceCapacity()},
		},
		Durability:       "buffered",
		EvictionHeadroom: 16,
	}
}
