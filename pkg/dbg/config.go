package dbg

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// Options configure one debug session.
type Options struct {
	// Attach targets a running process instead of launching one.
	Attach bool
	// PID is the debuggee process id when attaching.
	PID int
	// Interop enables the ptrace native debugger beside the managed one.
	Interop bool
	// StopAtEntry installs the entry breakpoint at managed Main.
	StopAtEntry bool
	// JustMyCode suppresses compiler-hidden methods.
	JustMyCode bool
	// SourceMapFile points to an optional YAML protocol-path translation
	// map.
	SourceMapFile string
	// LogFile receives a copy of the engine log when set.
	LogFile string
}

// sourceMapFile is the YAML layout of a source-path map: a list of
// from/to prefix rewrites applied to protocol paths.
type sourceMapFile struct {
	Map []sourceMapEntry `yaml:"map"`
}

type sourceMapEntry struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// SourceMap rewrites protocol source paths to on-disk paths before the
// symbol index resolves them.
type SourceMap struct {
	entries []sourceMapEntry
}

// LoadSourceMap parses a YAML source-path map file. An empty path yields
// an identity map.
func LoadSourceMap(path string) (*SourceMap, error) {
	if path == "" {
		return &SourceMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.MakeError(model.ErrInvalidOperation, "source map %s: %v", path, err)
	}
	var parsed sourceMapFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, utils.MakeError(model.ErrInvalidOperation, "source map %s: %v", path, err)
	}
	return &SourceMap{entries: parsed.Map}, nil
}

// Resolve applies the first matching prefix rewrite.
func (m *SourceMap) Resolve(protocolPath string) string {
	for _, entry := range m.entries {
		if len(entry.From) <= len(protocolPath) && protocolPath[:len(entry.From)] == entry.From {
			return entry.To + protocolPath[len(entry.From):]
		}
	}
	return protocolPath
}
