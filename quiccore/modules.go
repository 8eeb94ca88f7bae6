// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package quiccore is the ambient stack shared by every modules/quicengine/*
// package: a module registry, a provisioning Context, structured logging,
// metrics, and the process-level config-apply lifecycle.
package quiccore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Module is implemented by a type that can be loaded by ID from config and
// plugged into the engine at runtime: an ack policy, a congestion sampler,
// a log writer, a CLI-exposed component. Registering a Module makes it
// reachable from JSON config via its ModuleID.
type Module interface {
	// QuicModule returns this module's identifying information.
	QuicModule() ModuleInfo
}

// ModuleInfo describes a module and how to allocate a new, empty instance
// of it ready to be unmarshaled into and provisioned.
type ModuleInfo struct {
	// ID is the unique identifier for this module, namespaced by dots,
	// e.g. "quicengine.ackpolicy.decimation".
	ID ModuleID

	// New returns a pointer to a new, empty instance of this module's type.
	// It must not return a nil pointer.
	New func() Module
}

// ModuleID is a string that uniquely identifies a module.
type ModuleID string

// Namespace returns the portion of the ID before the last dot, if any.
func (id ModuleID) Namespace() ModuleID {
	lastDot := strings.LastIndex(string(id), ".")
	if lastDot < 0 {
		return ""
	}
	return id[:lastDot]
}

// Name returns the portion of the ID after the last dot.
func (id ModuleID) Name() string {
	lastDot := strings.LastIndex(string(id), ".")
	if lastDot < 0 {
		return string(id)
	}
	return string(id[lastDot+1:])
}

func (mi ModuleInfo) String() string { return string(mi.ID) }

// ModuleMap is a map that can contain multiple heterogenous module
// instances keyed by module name (the namespace comes from the field's
// struct tag), the way Config's AppsRaw is keyed by app name.
type ModuleMap map[string]json.RawMessage

var (
	modules   = make(map[string]ModuleInfo)
	modulesMu sync.RWMutex
)

// RegisterModule registers a module by its ModuleInfo. It must be called
// in the init function of the package that implements the module. Typically
// a package will only register one module, but sometimes multiple
// components are registered together since they depend on shared state.
//
// Because this likely occurs at init time, this function does not support
// concurrency and is not thread-safe; it is intended to be called in a
// single-threaded fashion.
func RegisterModule(instance Module) {
	mi := instance.QuicModule()

	if mi.ID == "" {
		panic("module ID missing")
	}
	if mi.ID == "quiccore" {
		panic(`module ID "quiccore" is reserved`)
	}
	if mi.New == nil {
		panic("missing ModuleInfo.New")
	}
	if val := mi.New(); val == nil {
		panic("ModuleInfo.New must return a non-nil module instance")
	}

	modulesMu.Lock()
	defer modulesMu.Unlock()

	if _, ok := modules[string(mi.ID)]; ok {
		panic(fmt.Sprintf("module already registered: %s", mi.ID))
	}
	modules[string(mi.ID)] = mi
}

// GetModule returns module information from its ID.
func GetModule(name string) (ModuleInfo, error) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	m, ok := modules[name]
	if !ok {
		return ModuleInfo{}, fmt.Errorf("module not registered: %s", name)
	}
	return m, nil
}

// GetModuleName returns a module's name (the last label of its ID) from an
// instance of its value. If the value is not a module, an empty string is
// returned.
func GetModuleName(instance any) string {
	if mod, ok := instance.(Module); ok {
		return mod.QuicModule().ID.Name()
	}
	return ""
}

// GetModuleID returns a module's ID from an instance of its value. If the
// value is not a module, an empty string is returned.
func GetModuleID(instance any) string {
	if mod, ok := instance.(Module); ok {
		return string(mod.QuicModule().ID)
	}
	return ""
}

// GetModules returns all modules in the given scope/namespace. For example,
// a scope of "quicengine.ackpolicy" returns all modules in the
// "quicengine.ackpolicy" namespace. Modules are sorted by ModuleID.
func GetModules(scope string) []ModuleInfo {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	scopeParts := strings.Split(scope, ".")
	if scope == "" {
		scopeParts = []string{}
	}

	var mods []ModuleInfo
iterateModules:
	for id, m := range modules {
		modParts := strings.Split(id, ".")

		// match only the next level of nesting
		if len(modParts) != len(scopeParts)+1 {
			continue
		}

		for i := range scopeParts {
			if modParts[i] != scopeParts[i] {
				continue iterateModules
			}
		}
		mods = append(mods, m)
	}

	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })

	return mods
}

// Modules returns the names of all registered modules in ascending order.
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// getModuleNameInline loads the string value from raw of moduleNameKey,
// where raw must be a JSON encoding of a map. It returns that value, along
// with the result of removing that key from raw (otherwise decoding raw
// later into the module's struct yields an error, since unknown fields are
// strictly rejected).
func getModuleNameInline(moduleNameKey string, raw json.RawMessage) (string, json.RawMessage, error) {
	var tmp map[string]any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return "", nil, err
	}

	moduleName, ok := tmp[moduleNameKey].(string)
	if !ok || moduleName == "" {
		return "", nil, fmt.Errorf("module name not specified with key '%s' in %+v", moduleNameKey, tmp)
	}

	delete(tmp, moduleNameKey)
	result, err := json.Marshal(tmp)
	if err != nil {
		return "", nil, fmt.Errorf("re-encoding module configuration: %v", err)
	}

	return moduleName, result, nil
}

// Provisioner is implemented by modules that may need to perform
// initialization logic before the server starts serving. Provisioning
// should be fast (imperceptible latency); if slow, do it in a goroutine
// and ensure the module does not get used until ready, in a thread-safe way.
type Provisioner interface {
	Provision(Context) error
}

// Validator is implemented by modules that can verify their configuration
// is valid. This should be fast and non-blocking.
type Validator interface {
	Validate() error
}

// CleanerUpper is implemented by modules that may have resources that need
// to be cleaned up when they are no longer needed.
type CleanerUpper interface {
	Cleanup() error
}

// ParseStructTag parses a `quiccore:"..."`-style struct tag into a key/value
// map, where fields are separated by spaces and values are optionally
// wrapped in single quotes: "key1=val1 key2='space separated value'".
func ParseStructTag(tag string) (map[string]string, error) {
	results := make(map[string]string)

	for len(tag) > 0 {
		// skip leading space
		i := 0
		for i < len(tag) && tag[i] == ' ' {
			i++
		}
		tag = tag[i:]
		if tag == "" {
			break
		}

		// scan to the next '=' for the key
		i = strings.IndexByte(tag, '=')
		if i < 0 {
			return nil, fmt.Errorf("invalid struct tag (missing '='): %s", tag)
		}
		key := tag[:i]
		tag = tag[i+1:]

		var value string
		if len(tag) > 0 && tag[0] == '\'' {
			tag = tag[1:]
			i = strings.IndexByte(tag, '\'')
			if i < 0 {
				return nil, fmt.Errorf("invalid struct tag (unterminated quote): %s", tag)
			}
			value = tag[:i]
			tag = tag[i+1:]
		} else {
			i = strings.IndexByte(tag, ' ')
			if i < 0 {
				value = tag
				tag = ""
			} else {
				value = tag[:i]
				tag = tag[i:]
			}
		}

		results[key] = value
	}

	return results, nil
}

// StrictUnmarshalJSON is like json.Unmarshal but returns an error if any
// field in the input is not a field in the struct. This is used instead of
// json.Unmarshal for decoding module configs so that typos are caught
// instead of silently ignored.
func StrictUnmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
