package types

import (
	"strings"

	"github.com/pkg/errors"
)

// WordSize is the size of heap word and reference slot.
const WordSize = 8

// Address is the opaque address of an object or slot in the monitored heap.
// It is used as a surrogate key and never dereferenced directly.
type Address uint64

// Subsystem is the bit set of VM subsystems selected for verification.
type Subsystem uint64

// Subsystem flags.
const (
	SubsystemThreads Subsystem = 1 << iota
	SubsystemHeap
	SubsystemSymbolTable
	SubsystemStringTable
	SubsystemCodeCache
	SubsystemDictionary
	SubsystemClassLoaderDataGraph
	SubsystemMetaspace
	SubsystemJNIHandles
	SubsystemCodeCacheOops
	SubsystemResolvedMethodTable
	SubsystemStringDedup

	// SubsystemAll selects every subsystem.
	SubsystemAll Subsystem = 1<<iota - 1
)

var subsystemNames = []struct {
	Name      string
	Subsystem Subsystem
}{
	{Name: "threads", Subsystem: SubsystemThreads},
	{Name: "heap", Subsystem: SubsystemHeap},
	{Name: "symbol_table", Subsystem: SubsystemSymbolTable},
	{Name: "string_table", Subsystem: SubsystemStringTable},
	{Name: "codecache", Subsystem: SubsystemCodeCache},
	{Name: "dictionary", Subsystem: SubsystemDictionary},
	{Name: "classloader_data_graph", Subsystem: SubsystemClassLoaderDataGraph},
	{Name: "metaspace", Subsystem: SubsystemMetaspace},
	{Name: "jni_handles", Subsystem: SubsystemJNIHandles},
	{Name: "codecache_oops", Subsystem: SubsystemCodeCacheOops},
	{Name: "resolved_method_table", Subsystem: SubsystemResolvedMethodTable},
	{Name: "stringdedup", Subsystem: SubsystemStringDedup},
}

var subsystemAliases = map[string]Subsystem{
	"code_cache": SubsystemCodeCache,
}

// ParseSubsystems parses space or comma separated list of subsystem names.
// Empty list selects all the subsystems.
func ParseSubsystems(list string) (Subsystem, error) {
	tokens := strings.FieldsFunc(list, func(r rune) bool { return r == ' ' || r == ',' })
	if len(tokens) == 0 {
		return SubsystemAll, nil
	}

	var s Subsystem
loop:
	for _, token := range tokens {
		if subsystem, exists := subsystemAliases[token]; exists {
			s |= subsystem
			continue
		}
		for _, n := range subsystemNames {
			if n.Name == token {
				s |= n.Subsystem
				continue loop
			}
		}
		return 0, errors.Errorf("subsystem '%s' is unknown", token)
	}
	return s, nil
}

// Has checks if subsystem is selected.
func (s Subsystem) Has(subsystem Subsystem) bool {
	return s&subsystem != 0
}

// Names returns names of selected subsystems in declaration order.
func (s Subsystem) Names() []string {
	names := []string{}
	for _, n := range subsystemNames {
		if s.Has(n.Subsystem) {
			names = append(names, n.Name)
		}
	}
	return names
}

func (s Subsystem) String() string {
	return strings.Join(s.Names(), ",")
}
