// Package config loads the settings of the simulated machine from a JSON
// file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"mmutools/kernel"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/vmm"
)

var (
	errMemoryTooSmall    = &kernel.Error{Module: "config", Message: "memory_size must cover at least 16 pages", Kind: kernel.KindArgument}
	errReservedTooLarge  = &kernel.Error{Module: "config", Message: "reserved_size must leave free pages in memory", Kind: kernel.KindArgument}
	errUnknownFlushScope = &kernel.Error{Module: "config", Message: "flush_scope must be either \"all\" or \"page\"", Kind: kernel.KindArgument}
	errInvalidTLBEntries = &kernel.Error{Module: "config", Message: "tlb_entries must not be negative", Kind: kernel.KindArgument}
)

const minMemoryPages = 16

// Config describes the simulated machine and the behavior of the
// translation entry points.
type Config struct {
	// MemorySize is the amount of simulated physical memory in bytes.
	MemorySize mem.Size `json:"memory_size"`

	// ReservedSize is the amount of low physical memory that the frame
	// allocator never hands out. Frame 0 is always reserved.
	ReservedSize mem.Size `json:"reserved_size"`

	// TLBEntries is the capacity of the translation cache. Zero selects
	// cpu.DefaultTLBEntries.
	TLBEntries int `json:"tlb_entries"`

	// FlushScope is either "all" or "page".
	FlushScope string `json:"flush_scope"`

	// StrictCanonical makes the entry points reject virtual addresses
	// whose bits 63:48 do not sign-extend bit 47.
	StrictCanonical bool `json:"strict_canonical"`

	// SerializeRoots serializes entry point calls per address space.
	SerializeRoots bool `json:"serialize_roots"`

	// Trace logs the entries and physical addresses touched by every
	// translation request.
	Trace bool `json:"trace"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		MemorySize:   4 * mem.Mb,
		ReservedSize: mem.PageSize,
		TLBEntries:   64,
		FlushScope:   vmm.FlushScopeAll.String(),
	}
}

// Load reads a JSON configuration from path. Fields that are missing from the
// file keep their default values. The result is validated before it is
// returned.
func Load(path string) (*Config, *kernel.Error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &kernel.Error{Module: "config", Message: err.Error(), Kind: kernel.KindArgument}
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, &kernel.Error{Module: "config", Message: err.Error(), Kind: kernel.KindArgument}
	}
	defer file.Close()

	cfg := Default()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, &kernel.Error{Module: "config", Message: "unable to decode " + absPath + ": " + err.Error(), Kind: kernel.KindArgument}
	}

	if kErr := cfg.Validate(); kErr != nil {
		return nil, kErr
	}

	return cfg, nil
}

// Validate checks that the configuration describes a usable machine.
func (c *Config) Validate() *kernel.Error {
	if c.MemorySize.Pages() < minMemoryPages {
		return errMemoryTooSmall
	}

	if c.ReservedSize.Pages() >= c.MemorySize.Pages() {
		return errReservedTooLarge
	}

	if c.TLBEntries < 0 {
		return errInvalidTLBEntries
	}

	if _, err := c.Scope(); err != nil {
		return err
	}

	return nil
}

// Scope returns the vmm.FlushScope selected by FlushScope. An empty value
// selects vmm.FlushScopeAll.
func (c *Config) Scope() (vmm.FlushScope, *kernel.Error) {
	switch c.FlushScope {
	case "", vmm.FlushScopeAll.String():
		return vmm.FlushScopeAll, nil
	case vmm.FlushScopePage.String():
		return vmm.FlushScopePage, nil
	default:
		return vmm.FlushScopeAll, errUnknownFlushScope
	}
}
