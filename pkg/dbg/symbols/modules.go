package symbols

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// ResolvedBreakpoint is one binding of a source line to executable IL.
// Constructors sharing the same initializer line produce one entry each.
type ResolvedBreakpoint struct {
	Module      runtime.Module
	MethodToken runtime.MethodToken
	ILOffset    uint32
	StartLine   int
	EndLine     int
}

// ResolveFunctionCallback receives every (module, method) a function
// breakpoint name resolves to.
type ResolveFunctionCallback func(module runtime.Module, token runtime.MethodToken) error

type methodPoints struct {
	token  runtime.MethodToken
	points []SequencePoint
}

type moduleInfo struct {
	module     runtime.Module
	handle     ReaderHandle
	hasSymbols bool
	hidden     map[runtime.MethodToken]bool
	// document path -> methods with sequence points in that document
	documents map[string][]methodPoints
}

// Modules is the symbol and module index. All maps are guarded by mu, a leaf
// mutex in the engine lattice.
type Modules struct {
	mu     sync.Mutex
	reader Reader
	log    *slog.Logger

	// keyed by module base address
	modules map[uint64]*moduleInfo
	// module basename -> base addresses (same assembly can load twice)
	byBasename map[string][]uint64

	// dense index of resolved source full paths
	sourceIndex map[string]uint32
	sourcePaths []string
	// source basename -> known full paths, for relative path resolution
	fullPathsByName map[string][]string
	// lowercased full path -> stored full path, for case folding
	caseFold map[string]string
}

// NewModules creates an empty index backed by the given symbol reader.
func NewModules(reader Reader, log *slog.Logger) *Modules {
	return &Modules{
		reader:          reader,
		log:             log,
		modules:         make(map[uint64]*moduleInfo),
		byBasename:      make(map[string][]uint64),
		sourceIndex:     make(map[string]uint32),
		fullPathsByName: make(map[string][]string),
		caseFold:        make(map[string]string),
	}
}

// TryLoadModuleSymbols is invoked from the managed runtime's module-load
// callback. An unreadable or mismatched PDB publishes the module without
// symbols; resolve calls on it return nothing.
func (m *Modules) TryLoadModuleSymbols(mod runtime.Module) model.Module {
	result := model.Module{
		Name:        utils.Basename(mod.Path()),
		Path:        mod.Path(),
		BaseAddress: mod.BaseAddress(),
		Size:        mod.Size(),
	}

	info := &moduleInfo{
		module:    mod,
		hidden:    make(map[runtime.MethodToken]bool),
		documents: make(map[string][]methodPoints),
	}

	handle, err := m.reader.LoadSymbolsForModule(mod.Path(), mod.BaseAddress(), mod.Size(), 0, 0, nil)
	if err != nil {
		m.log.Info("module published without symbols", "module", mod.Path(), "reason", err)
		result.SymbolStatus = model.SymbolsNotFound
	} else {
		info.handle = handle
		info.hasSymbols = true
		result.SymbolStatus = model.SymbolsLoaded

		if hidden, err := m.reader.HiddenMethods(handle); err == nil {
			for _, token := range hidden {
				info.hidden[token] = true
			}
		}
		m.fillDocuments(info)
	}

	m.mu.Lock()
	m.modules[mod.BaseAddress()] = info
	name := utils.Basename(mod.Path())
	m.byBasename[name] = append(m.byBasename[name], mod.BaseAddress())
	m.mu.Unlock()

	return result
}

// fillDocuments builds the per-document method tables from the reader.
func (m *Modules) fillDocuments(info *moduleInfo) {
	meta := info.module.Metadata()
	types, err := meta.EnumTypeDefs()
	if err != nil {
		return
	}
	for _, typeDef := range types {
		methods, err := meta.EnumMethods(typeDef)
		if err != nil {
			continue
		}
		for _, token := range methods {
			points, err := m.reader.SequencePoints(info.handle, token, 1)
			if err != nil || len(points) == 0 {
				continue
			}
			points = filterHidden(points)

			byDoc := make(map[string][]SequencePoint)
			for _, sp := range points {
				byDoc[sp.Document] = append(byDoc[sp.Document], sp)
			}
			for doc, docPoints := range byDoc {
				info.documents[doc] = append(info.documents[doc], methodPoints{token: token, points: docPoints})
				m.registerSourcePath(doc)
			}
		}
	}
}

// registerSourcePath adds a document path to the dense source index. Caller
// must not hold mu.
func (m *Modules) registerSourcePath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.sourceIndex[path]; found {
		return
	}
	m.sourceIndex[path] = uint32(len(m.sourcePaths))
	m.sourcePaths = append(m.sourcePaths, path)
	name := utils.Basename(path)
	m.fullPathsByName[name] = append(m.fullPathsByName[name], path)
	m.caseFold[strings.ToLower(path)] = path
}

// RemoveModule drops a module on the runtime's unload callback and disposes
// its reader handle. Source paths stay registered; stale entries resolve to
// nothing.
func (m *Modules) RemoveModule(mod runtime.Module) {
	m.mu.Lock()
	info, found := m.modules[mod.BaseAddress()]
	if found {
		delete(m.modules, mod.BaseAddress())
		name := utils.Basename(mod.Path())
		addrs := m.byBasename[name]
		for i, addr := range addrs {
			if addr == mod.BaseAddress() {
				m.byBasename[name] = append(addrs[:i], addrs[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if found && info.hasSymbols {
		m.reader.Dispose(info.handle)
	}
}

// CleanupAllModules disposes every reader handle and clears the index.
func (m *Modules) CleanupAllModules() {
	m.mu.Lock()
	infos := make([]*moduleInfo, 0, len(m.modules))
	for _, info := range m.modules {
		infos = append(infos, info)
	}
	m.modules = make(map[uint64]*moduleInfo)
	m.byBasename = make(map[string][]uint64)
	m.mu.Unlock()

	for _, info := range infos {
		if info.hasSymbols {
			m.reader.Dispose(info.handle)
		}
	}
}

// ForEachModule calls cb for every registered module until cb returns false.
func (m *Modules) ForEachModule(cb func(mod runtime.Module) bool) {
	m.mu.Lock()
	mods := make([]runtime.Module, 0, len(m.modules))
	for _, info := range m.modules {
		mods = append(mods, info.module)
	}
	m.mu.Unlock()

	for _, mod := range mods {
		if !cb(mod) {
			return
		}
	}
}

// ModuleWithName finds a module by basename or full path.
func (m *Modules) ModuleWithName(name string) (runtime.Module, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if filepath.IsAbs(name) {
		for _, info := range m.modules {
			if info.module.Path() == name {
				return info.module, true
			}
		}
		return nil, false
	}
	addrs := m.byBasename[name]
	if len(addrs) == 0 {
		return nil, false
	}
	return m.modules[addrs[0]].module, true
}

// IsHiddenMethod reports whether a method carries DebuggerHiddenAttribute
// and must be suppressed from Just My Code.
func (m *Modules) IsHiddenMethod(mod runtime.Module, token runtime.MethodToken) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.modules[mod.BaseAddress()]
	return found && info.hidden[token]
}

// SourceFullPathByIndex returns the stored source path for a dense index.
func (m *Modules) SourceFullPathByIndex(index uint32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(index) >= len(m.sourcePaths) {
		return "", false
	}
	return m.sourcePaths[index], true
}

// IndexBySourceFullPath returns the dense index of a stored source path.
func (m *Modules) IndexBySourceFullPath(path string) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index, found := m.sourceIndex[path]
	return index, found
}

// SourceFullPathCaseFold resolves the user's input path to the exact stored
// path: exact match first, then case-insensitive, then relative suffix
// match against known source paths.
func (m *Modules) SourceFullPathCaseFold(protocolPath string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.sourceIndex[protocolPath]; found {
		return protocolPath
	}
	if stored, found := m.caseFold[strings.ToLower(protocolPath)]; found {
		return stored
	}
	candidates := m.fullPathsByName[utils.Basename(protocolPath)]
	normalized := strings.ToLower(filepath.ToSlash(protocolPath))
	for _, candidate := range candidates {
		if strings.HasSuffix(strings.ToLower(filepath.ToSlash(candidate)), normalized) {
			return candidate
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return protocolPath
}

// ResolveBreakpoint maps (source, line) to zero or more executable
// locations. moduleFilter of 0 searches every module. Tie-break: among
// candidate sequence points at or after the requested line in one module,
// the smallest (startLine, startColumn) wins; every method starting a
// statement on the winning line yields one resolution (constructors emit a
// resolution per constructor).
func (m *Modules) ResolveBreakpoint(moduleFilter uint64, source string, line int) (uint32, []ResolvedBreakpoint) {
	fullPath := m.SourceFullPathCaseFold(source)

	m.mu.Lock()
	defer m.mu.Unlock()

	index, haveIndex := m.sourceIndex[fullPath]
	if !haveIndex {
		return 0, nil
	}

	var resolved []ResolvedBreakpoint
	for base, info := range m.modules {
		if moduleFilter != 0 && base != moduleFilter {
			continue
		}
		if !info.hasSymbols {
			continue
		}
		methods, found := info.documents[fullPath]
		if !found {
			continue
		}

		bestLine, bestColumn := -1, -1
		type candidate struct {
			token runtime.MethodToken
			sp    SequencePoint
		}
		var candidates []candidate
		for _, method := range methods {
			picked, ok := firstPointAtOrAfter(method.points, line)
			if !ok {
				continue
			}
			candidates = append(candidates, candidate{token: method.token, sp: picked})
			if bestLine == -1 || picked.StartLine < bestLine ||
				(picked.StartLine == bestLine && picked.StartColumn < bestColumn) {
				bestLine, bestColumn = picked.StartLine, picked.StartColumn
			}
		}
		for _, c := range candidates {
			if c.sp.StartLine != bestLine {
				continue
			}
			resolved = append(resolved, ResolvedBreakpoint{
				Module:      info.module,
				MethodToken: c.token,
				ILOffset:    c.sp.ILOffset,
				StartLine:   c.sp.StartLine,
				EndLine:     c.sp.EndLine,
			})
		}
	}

	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].MethodToken < resolved[j].MethodToken
	})
	return index, resolved
}

// firstPointAtOrAfter picks the method's sequence point with the smallest
// (startLine, startColumn) at or after the requested line.
func firstPointAtOrAfter(points []SequencePoint, line int) (SequencePoint, bool) {
	var best SequencePoint
	found := false
	for _, sp := range points {
		if sp.StartLine < line {
			continue
		}
		if !found || sp.StartLine < best.StartLine ||
			(sp.StartLine == best.StartLine && sp.StartColumn < best.StartColumn) {
			best = sp
			found = true
		}
	}
	return best, found
}

// ResolveFunctionInModule matches the dotted method name suffix against one
// module and reports each match to cb.
func (m *Modules) ResolveFunctionInModule(mod runtime.Module, name string, cb ResolveFunctionCallback) error {
	meta := mod.Metadata()
	types, err := meta.EnumTypeDefs()
	if err != nil {
		return err
	}

	target := strings.Split(name, ".")
	for _, typeDef := range types {
		methods, err := meta.EnumMethods(typeDef)
		if err != nil {
			continue
		}
		for _, token := range methods {
			full, err := meta.FullMethodName(token)
			if err != nil {
				continue
			}
			if !isTargetFunction(strings.Split(strings.ReplaceAll(full, "+", "."), "."), target) {
				continue
			}
			if err := cb(mod, token); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResolveFunctionInAny matches the dotted method name suffix against every
// loaded module.
func (m *Modules) ResolveFunctionInAny(moduleFilter string, name string, cb ResolveFunctionCallback) error {
	var mods []runtime.Module
	m.ForEachModule(func(mod runtime.Module) bool {
		if moduleFilter == "" || moduleMatchesFilter(mod, moduleFilter) {
			mods = append(mods, mod)
		}
		return true
	})

	for _, mod := range mods {
		if err := m.ResolveFunctionInModule(mod, name, cb); err != nil {
			return err
		}
	}
	return nil
}

// moduleMatchesFilter compares a module against a protocol module filter
// (basename or full path).
func moduleMatchesFilter(mod runtime.Module, filter string) bool {
	if filepath.IsAbs(filter) {
		return mod.Path() == filter
	}
	return utils.Basename(mod.Path()) == filter
}

// isTargetFunction reports whether target is a suffix of the fully
// qualified name split into components.
func isTargetFunction(fullName, targetName []string) bool {
	if len(targetName) > len(fullName) {
		return false
	}
	offset := len(fullName) - len(targetName)
	for i, part := range targetName {
		if fullName[offset+i] != part {
			return false
		}
	}
	return true
}

// FrameILAndSequencePoint maps a managed frame to its IL offset and the
// closest sequence point at or before it.
func (m *Modules) FrameILAndSequencePoint(frame runtime.Frame) (uint32, SequencePoint, bool) {
	ip, err := frame.IP()
	if err != nil {
		return 0, SequencePoint{}, false
	}
	token, err := frame.FunctionToken()
	if err != nil {
		return 0, SequencePoint{}, false
	}
	mod := frame.Module()

	m.mu.Lock()
	info, found := m.modules[mod.BaseAddress()]
	m.mu.Unlock()
	if !found || !info.hasSymbols {
		return 0, SequencePoint{}, false
	}

	points, err := m.reader.SequencePoints(info.handle, token, 1)
	if err != nil {
		return 0, SequencePoint{}, false
	}
	points = filterHidden(points)

	var best SequencePoint
	haveBest := false
	for _, sp := range points {
		if sp.ILOffset <= ip && (!haveBest || sp.ILOffset > best.ILOffset) {
			best = sp
			haveBest = true
		}
	}
	return ip, best, haveBest
}

// NextUserCodeILOffset returns the first non-hidden IL offset of a method
// version at or after fromIL. Used by the entry breakpoint and Hot Reload
// rebinds.
func (m *Modules) NextUserCodeILOffset(mod runtime.Module, token runtime.MethodToken, version uint32, fromIL uint32) (uint32, bool) {
	m.mu.Lock()
	info, found := m.modules[mod.BaseAddress()]
	m.mu.Unlock()
	if !found || !info.hasSymbols {
		return 0, false
	}

	points, err := m.reader.SequencePoints(info.handle, token, version)
	if err != nil {
		return 0, false
	}
	points = filterHidden(points)

	best := uint32(0)
	haveBest := false
	for _, sp := range points {
		if sp.ILOffset >= fromIL && (!haveBest || sp.ILOffset < best) {
			best = sp.ILOffset
			haveBest = true
		}
	}
	return best, haveBest
}

// StepRangeFromIP returns the IL range of the statement containing ip,
// used to program the runtime stepper.
func (m *Modules) StepRangeFromIP(mod runtime.Module, token runtime.MethodToken, ip uint32) (uint32, uint32, bool) {
	m.mu.Lock()
	info, found := m.modules[mod.BaseAddress()]
	m.mu.Unlock()
	if !found || !info.hasSymbols {
		return 0, 0, false
	}

	start, end, err := m.reader.StepRangesFromIP(info.handle, ip, token)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

// readerHandle returns the symbol reader handle of a module, when loaded.
func (m *Modules) readerHandle(mod runtime.Module) (ReaderHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.modules[mod.BaseAddress()]
	if !found || !info.hasSymbols {
		return nil, false
	}
	return info.handle, true
}
