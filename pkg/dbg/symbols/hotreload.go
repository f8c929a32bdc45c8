package symbols

import (
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
)

// ApplyHotReloadDelta feeds a Hot Reload delta PDB to the module's symbol
// reader and returns the set of method tokens whose bodies changed. Callers
// re-resolve breakpoints for the returned tokens; each replacement gets a
// new method version number in the runtime.
func (m *Modules) ApplyHotReloadDelta(mod runtime.Module, deltaPDB []byte) (map[runtime.MethodToken]bool, error) {
	handle, found := m.readerHandle(mod)
	if !found {
		return nil, nil
	}

	tokens, err := m.reader.ApplyDelta(handle, deltaPDB)
	if err != nil {
		return nil, err
	}

	changed := make(map[runtime.MethodToken]bool, len(tokens))
	for _, token := range tokens {
		changed[token] = true
	}

	// Delta may add sequence points for new method bodies; rebuild the
	// per-document tables for this module.
	m.mu.Lock()
	info, haveInfo := m.modules[mod.BaseAddress()]
	m.mu.Unlock()
	if haveInfo && info.hasSymbols {
		info.documents = make(map[string][]methodPoints)
		m.fillDocuments(info)
	}

	return changed, nil
}
